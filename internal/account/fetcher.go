package account

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

const EndpointPath = "/api/auth/me"

type Transport interface {
	DoJSON(ctx context.Context, method, path string, in any, out any) error
}

// HTTPFetcher reads the session user from the backend.
type HTTPFetcher struct {
	t Transport
}

func NewHTTPFetcher(t Transport) (*HTTPFetcher, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	return &HTTPFetcher{t: t}, nil
}

type wireUser struct {
	ID                string              `json:"_id"`
	Balance           decimal.NullDecimal `json:"balance"`
	AdditionalBalance decimal.NullDecimal `json:"additionalBalance"`
	TotalBalance      decimal.NullDecimal `json:"totalBalance"`
	HasDeposited      bool                `json:"hasDeposited"`
}

func (f *HTTPFetcher) FetchAccount(ctx context.Context) (Snapshot, error) {
	var resp struct {
		Success *bool     `json:"success"`
		Error   string    `json:"error"`
		User    *wireUser `json:"user"`
	}
	if err := f.t.DoJSON(ctx, http.MethodGet, EndpointPath, nil, &resp); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if resp.Success != nil && !*resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "backend reported failure"
		}
		return Snapshot{}, fmt.Errorf("%w: %s", ErrFetch, msg)
	}
	if resp.User == nil {
		return Snapshot{}, fmt.Errorf("%w: response is missing user", ErrFetch)
	}

	u := resp.User
	snap := Snapshot{
		UserID:       strings.TrimSpace(u.ID),
		HasDeposited: u.HasDeposited,
	}
	if u.Balance.Valid {
		snap.Balance = u.Balance.Decimal
	}
	if u.AdditionalBalance.Valid {
		v := u.AdditionalBalance.Decimal
		snap.AdditionalBalance = &v
	}
	if u.TotalBalance.Valid {
		v := u.TotalBalance.Decimal
		snap.ReportedTotal = &v
	}
	return snap, nil
}
