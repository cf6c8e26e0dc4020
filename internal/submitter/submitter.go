package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/daily-earn/deposit-client/internal/apiclient"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const (
	EndpointPath = "/api/deposits"

	fallbackMessage = "Failed to submit deposit request"
)

var (
	ErrInvalidConfig = errors.New("submitter: invalid config")
	ErrSubmit        = errors.New("submitter: submit failed")
)

// Error is returned for both transport failures and application-level
// rejections ({"success": false}).
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) == "" {
		return ErrSubmit.Error()
	}
	return "submitter: " + e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSubmit}
	}
	return []error{ErrSubmit, e.Cause}
}

// Request is the deposit creation payload. The caller enforces the minimum
// amount and the receipt URL before calling Submit.
type Request struct {
	Amount          decimal.Decimal
	ReceiptURL      string
	TransactionHash string
	Notes           string
}

// Result is the backend acknowledgement. DepositID and Status are only set
// when the backend echoes the created record.
type Result struct {
	DepositID string
	Status    string
}

type Submitter interface {
	Submit(ctx context.Context, req Request) (Result, error)
}

type Transport interface {
	DoJSON(ctx context.Context, method, path string, in any, out any) error
}

type HTTPSubmitter struct {
	t Transport
}

func New(t Transport) (*HTTPSubmitter, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	return &HTTPSubmitter{t: t}, nil
}

type wireRequest struct {
	Amount          json.Number `json:"amount"`
	ReceiptURL      string      `json:"receiptUrl"`
	TransactionHash string      `json:"transactionHash,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

type wireResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Deposit *struct {
		ID     string `json:"_id"`
		Status string `json:"status"`
	} `json:"deposit"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, req Request) (Result, error) {
	body := wireRequest{
		Amount:          json.Number(req.Amount.String()),
		ReceiptURL:      strings.TrimSpace(req.ReceiptURL),
		TransactionHash: NormalizeTransactionHash(req.TransactionHash),
		Notes:           strings.TrimSpace(req.Notes),
	}

	var resp wireResponse
	if err := s.t.DoJSON(ctx, http.MethodPost, EndpointPath, body, &resp); err != nil {
		msg := apiclient.ErrorMessage(err)
		if msg == "" {
			msg = fallbackMessage
		}
		return Result{}, &Error{Message: msg, Cause: err}
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = strings.TrimSpace(resp.Message)
		}
		if msg == "" {
			msg = fallbackMessage
		}
		return Result{}, &Error{Message: msg}
	}

	var out Result
	if resp.Deposit != nil {
		out.DepositID = strings.TrimSpace(resp.Deposit.ID)
		out.Status = strings.TrimSpace(resp.Deposit.Status)
	}
	return out, nil
}

// NormalizeTransactionHash trims the reference and canonicalizes it when it is
// a 32-byte hex hash. Anything else is passed through unchanged.
func NormalizeTransactionHash(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	s := v
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	} else {
		s = "0x" + s[2:]
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return v
	}
	return common.BytesToHash(b).Hex()
}
