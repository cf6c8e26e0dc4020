package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/daily-earn/deposit-client/internal/apiclient"
	"github.com/daily-earn/deposit-client/internal/receipt"
)

const (
	EndpointPath = "/api/upload-deposit-receipt"
	FieldName    = "receipt"

	fallbackMessage = "Failed to upload receipt"
)

var (
	ErrInvalidConfig = errors.New("uploader: invalid config")
	ErrUpload        = errors.New("uploader: upload failed")
)

// Error is the single failure type reported by an Uploader. Message is safe
// to show to the user.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) == "" {
		return ErrUpload.Error()
	}
	return "uploader: " + e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrUpload}
	}
	return []error{ErrUpload, e.Cause}
}

// Uploader stores a receipt remotely and returns its permanent URL. It does
// not retry and is not idempotent: each call creates a new remote object.
type Uploader interface {
	Upload(ctx context.Context, asset receipt.Asset) (string, error)
}

type Transport interface {
	PostMultipart(ctx context.Context, path string, field string, filename string, contentType string, data []byte, out any) error
}

type HTTPUploader struct {
	t Transport
}

func New(t Transport) (*HTTPUploader, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	return &HTTPUploader{t: t}, nil
}

func (u *HTTPUploader) Upload(ctx context.Context, asset receipt.Asset) (string, error) {
	if len(asset.Data) == 0 {
		return "", &Error{Message: "receipt has no content"}
	}

	var resp struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	err := u.t.PostMultipart(ctx, EndpointPath, FieldName, asset.Name, asset.ContentType, asset.Data, &resp)
	if err != nil {
		msg := apiclient.ErrorMessage(err)
		if msg == "" {
			msg = fallbackMessage
		}
		return "", &Error{Message: msg, Cause: err}
	}
	url := strings.TrimSpace(resp.URL)
	if url == "" {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "upload response is missing url"
		}
		return "", &Error{Message: msg}
	}
	return url, nil
}
