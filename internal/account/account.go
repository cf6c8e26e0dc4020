// Package account holds the read-only account snapshot (balance and unlock
// status) that the deposit workflow refreshes after a successful submission.
package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConfig = errors.New("account: invalid config")
	ErrFetch         = errors.New("account: fetch failed")
)

// Snapshot is the account state as last published by the backend.
type Snapshot struct {
	UserID string

	Balance decimal.Decimal
	// AdditionalBalance is nil when the backend omits it.
	AdditionalBalance *decimal.Decimal
	// ReportedTotal is the backend's own totalBalance, nil when omitted.
	ReportedTotal *decimal.Decimal

	// HasDeposited is set once the first deposit has been accepted. That
	// deposit unlocks tasks but is not added to the balance.
	HasDeposited bool
}

// TotalBalance prefers a non-zero reported total, then balance plus the
// additional component, then balance alone.
func (s Snapshot) TotalBalance() decimal.Decimal {
	if s.ReportedTotal != nil && !s.ReportedTotal.IsZero() {
		return *s.ReportedTotal
	}
	if s.AdditionalBalance != nil {
		return s.Balance.Add(*s.AdditionalBalance)
	}
	return s.Balance
}

// ProjectedTotal is the total the user should expect once a deposit of amount
// is confirmed. The first deposit leaves the total unchanged.
func (s Snapshot) ProjectedTotal(amount decimal.Decimal) decimal.Decimal {
	if !s.HasDeposited {
		return s.TotalBalance()
	}
	return s.TotalBalance().Add(amount)
}

// DepositNotice is the line shown under the amount field.
func (s Snapshot) DepositNotice(minimum decimal.Decimal) string {
	if !s.HasDeposited {
		return fmt.Sprintf("First $%s deposit unlocks tasks but doesn't add to balance", minimum.StringFixed(0))
	}
	return "Subsequent deposits add to your balance normally"
}

// TasksUnlocked mirrors HasDeposited for display.
func (s Snapshot) TasksUnlocked() string {
	if s.HasDeposited {
		return "Yes"
	}
	return "No"
}

type Fetcher interface {
	FetchAccount(ctx context.Context) (Snapshot, error)
}

type Config struct {
	Fetcher Fetcher

	// Attempts bounds automatic retries of the fetch. Defaults to 3.
	Attempts int
	Backoff  time.Duration

	Log *slog.Logger
}

// Store owns the current snapshot. Only Refresh writes it.
type Store struct {
	cfg Config

	mu        sync.RWMutex
	snap      Snapshot
	loaded    bool
	listeners []func(Snapshot)
}

func New(cfg Config) (*Store, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: nil fetcher", ErrInvalidConfig)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Store{cfg: cfg}, nil
}

// Current returns the last good snapshot and whether one has been loaded.
func (s *Store) Current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.loaded
}

// OnChange registers fn to be called after every successful refresh.
func (s *Store) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Refresh re-fetches and republishes the snapshot. A failure keeps the
// previous snapshot.
func (s *Store) Refresh(ctx context.Context) (Snapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		snap, err := s.cfg.Fetcher.FetchAccount(ctx)
		if err == nil {
			s.mu.Lock()
			s.snap = snap
			s.loaded = true
			listeners := append([]func(Snapshot){}, s.listeners...)
			s.mu.Unlock()
			for _, fn := range listeners {
				fn(snap)
			}
			return snap, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == s.cfg.Attempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt) * s.cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
		case <-t.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.cfg.Log.Warn("account: refresh failed, keeping previous snapshot", "err", lastErr)
	if errors.Is(lastErr, ErrFetch) {
		return Snapshot{}, lastErr
	}
	return Snapshot{}, fmt.Errorf("%w: %w", ErrFetch, lastErr)
}
