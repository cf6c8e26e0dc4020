package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/daily-earn/deposit-client/internal/deposit"
	"github.com/shopspring/decimal"
)

const EndpointPath = "/api/deposits"

type Transport interface {
	DoJSON(ctx context.Context, method, path string, in any, out any) error
}

// HTTPFetcher reads GET /api/deposits.
type HTTPFetcher struct {
	t Transport
}

func NewHTTPFetcher(t Transport) (*HTTPFetcher, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	return &HTTPFetcher{t: t}, nil
}

type wireDeposit struct {
	ID        string          `json:"_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	User      json.RawMessage `json:"user"`
	UserID    string          `json:"userId"`
}

func (f *HTTPFetcher) ListDeposits(ctx context.Context) ([]deposit.Deposit, error) {
	var resp struct {
		Success  bool          `json:"success"`
		Error    string        `json:"error"`
		Deposits *[]wireDeposit `json:"deposits"`
	}
	if err := f.t.DoJSON(ctx, http.MethodGet, EndpointPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, fmt.Errorf("%w: %s", ErrFetch, msg)
	}
	// Without the field there is nothing to replace the cached list with.
	if resp.Deposits == nil {
		return nil, fmt.Errorf("%w: response is missing deposits", ErrFetch)
	}

	out := make([]deposit.Deposit, 0, len(*resp.Deposits))
	for _, w := range *resp.Deposits {
		out = append(out, deposit.Deposit{
			ID:        strings.TrimSpace(w.ID),
			Amount:    w.Amount,
			Status:    deposit.ParseStatus(w.Status),
			CreatedAt: w.CreatedAt.UTC(),
			UserID:    ownerID(w),
		})
	}
	return out, nil
}

// ownerID accepts the owner either as a plain id or as a populated user object.
func ownerID(w wireDeposit) string {
	if v := strings.TrimSpace(w.UserID); v != "" {
		return v
	}
	raw := strings.TrimSpace(string(w.User))
	if raw == "" || raw == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(w.User, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(w.User, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
