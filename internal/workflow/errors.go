package workflow

import (
	"errors"

	"github.com/daily-earn/deposit-client/internal/receipt"
	"github.com/daily-earn/deposit-client/internal/submitter"
	"github.com/daily-earn/deposit-client/internal/uploader"
)

var (
	ErrInvalidConfig  = errors.New("workflow: invalid config")
	ErrBusy           = errors.New("workflow: a submission is already in progress")
	ErrInvalidAmount  = errors.New("workflow: amount is not a number")
	ErrAmountTooLow   = errors.New("workflow: amount below minimum deposit")
	ErrMissingReceipt = errors.New("workflow: no receipt attached")
)

const (
	msgMissingReceipt = "Please upload a receipt screenshot"
	msgInvalidType    = "Please select an image file (JPG, PNG, etc.)"
	msgTooLarge       = "Image size must be less than 5MB"
	msgUploadFailed   = "Failed to upload image. Please try again."
	msgSubmitFailed   = "Failed to submit deposit request. Please try again."

	// MessageSucceeded is shown after the backend accepts the deposit.
	MessageSucceeded = "Deposit request submitted successfully! It will be reviewed and confirmed shortly."
)

// ValidationError is a client-side rejection made before any network call.
// Message is safe to show to the user.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return "workflow: invalid " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func receiptValidationError(err error) *ValidationError {
	msg := err.Error()
	switch {
	case errors.Is(err, receipt.ErrInvalidType):
		msg = msgInvalidType
	case errors.Is(err, receipt.ErrTooLarge):
		msg = msgTooLarge
	}
	return &ValidationError{Field: "receipt", Message: msg, Err: err}
}

// UserMessage renders err the way the deposit form shows it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		ue *uploader.Error
		se *submitter.Error
	)
	switch {
	case errors.As(err, &ve):
		return ve.Message
	case errors.Is(err, ErrBusy):
		return "A deposit is already being submitted"
	case errors.As(err, &ue):
		if ue.Message != "" {
			return ue.Message
		}
		return msgUploadFailed
	case errors.As(err, &se):
		if se.Message != "" {
			return se.Message
		}
		return msgSubmitFailed
	default:
		return msgSubmitFailed
	}
}
