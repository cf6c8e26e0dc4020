// Package history keeps the locally cached list of a user's deposits and
// refreshes it from the backend.
//
// A refresh replaces the list wholesale and never re-sorts it. A failed
// refresh keeps the previous list visible and is only logged.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/daily-earn/deposit-client/internal/deposit"
)

var (
	ErrInvalidConfig = errors.New("history: invalid config")
	ErrFetch         = errors.New("history: fetch failed")
)

// Fetcher loads the user's full deposit list from the backend.
type Fetcher interface {
	ListDeposits(ctx context.Context) ([]deposit.Deposit, error)
}

type Config struct {
	Fetcher Fetcher

	// Cache and Owner are optional. When both are set, successful refreshes
	// are persisted and Warm can restore the last good list.
	Cache deposit.Cache
	Owner string

	// Attempts bounds automatic retries of the fetch. Defaults to 3.
	Attempts int
	// Backoff is multiplied by the attempt number between retries. Defaults to 250ms.
	Backoff time.Duration

	Now func() time.Time
	Log *slog.Logger
}

type Store struct {
	cfg Config

	mu        sync.RWMutex
	deposits  []deposit.Deposit
	fetchedAt time.Time
	loading   bool

	subMu  sync.Mutex
	nextID int
	subs   map[int]func([]deposit.Deposit)
}

func New(cfg Config) (*Store, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: nil fetcher", ErrInvalidConfig)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff < 0 {
		return nil, fmt.Errorf("%w: backoff must be >= 0", ErrInvalidConfig)
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Store{
		cfg:  cfg,
		subs: make(map[int]func([]deposit.Deposit)),
	}, nil
}

// Warm loads the persisted list, if any, without touching the network.
func (s *Store) Warm(ctx context.Context) error {
	if s.cfg.Cache == nil || s.cfg.Owner == "" {
		return nil
	}
	ds, err := s.cfg.Cache.Load(ctx, s.cfg.Owner)
	if err != nil {
		if errors.Is(err, deposit.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("history: warm from cache: %w", err)
	}
	s.mu.Lock()
	if s.fetchedAt.IsZero() {
		s.deposits = ds
	}
	s.mu.Unlock()
	return nil
}

// Refresh fetches the list and swaps it in. On failure the cached list is
// left untouched and the error wraps ErrFetch.
func (s *Store) Refresh(ctx context.Context) ([]deposit.Deposit, error) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	ds, err := s.fetch(ctx)
	if err != nil {
		s.cfg.Log.Warn("history: refresh failed, keeping cached deposits", "err", err, "cached", len(s.Snapshot()))
		return nil, err
	}
	if ds == nil {
		ds = []deposit.Deposit{}
	}

	s.mu.Lock()
	s.deposits = ds
	s.fetchedAt = s.cfg.Now().UTC()
	s.mu.Unlock()

	if s.cfg.Cache != nil && s.cfg.Owner != "" {
		if err := s.cfg.Cache.Save(ctx, s.cfg.Owner, ds); err != nil {
			s.cfg.Log.Warn("history: persist cache failed", "err", err)
		}
	}

	s.notify(ds)
	return deposit.Clone(ds), nil
}

func (s *Store) fetch(ctx context.Context) ([]deposit.Deposit, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		ds, err := s.cfg.Fetcher.ListDeposits(ctx)
		if err == nil {
			return deposit.Clone(ds), nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == s.cfg.Attempts {
			break
		}
		s.cfg.Log.Debug("history: retrying fetch", "attempt", attempt, "err", err)

		t := time.NewTimer(time.Duration(attempt) * s.cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %v", ErrFetch, ctx.Err())
		case <-t.C:
		}
	}
	if errors.Is(lastErr, ErrFetch) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %w", ErrFetch, lastErr)
}

// Snapshot returns a copy of the current list.
func (s *Store) Snapshot() []deposit.Deposit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deposit.Clone(s.deposits)
}

// FetchedAt is the time of the last successful refresh, zero if none.
func (s *Store) FetchedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetchedAt
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Subscribe registers fn to receive each newly fetched list. The returned
// func removes the subscription.
func (s *Store) Subscribe(fn func([]deposit.Deposit)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(ds []deposit.Deposit) {
	s.subMu.Lock()
	fns := make([]func([]deposit.Deposit), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(deposit.Clone(ds))
	}
}
