// Package orphan records receipts that were uploaded but never attached to a
// deposit because the deposit request failed afterwards. The backend offers
// no delete endpoint for receipts, so the records are the only trace of them.
package orphan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordPrefix = "orphans/"

// Record describes one uploaded receipt left without a deposit.
type Record struct {
	AttemptID   string    `json:"attempt_id"`
	ReceiptURL  string    `json:"receipt_url"`
	ReceiptSHA3 string    `json:"receipt_sha3,omitempty"`
	Amount      string    `json:"amount"`
	SubmitError string    `json:"submit_error"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Recorder is what the deposit workflow needs from a ledger.
type Recorder interface {
	RecordOrphan(ctx context.Context, rec Record) error
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Ledger{store: store, now: time.Now}, nil
}

func recordKey(attemptID string) (string, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" || strings.ContainsAny(attemptID, "/\\") {
		return "", fmt.Errorf("%w: invalid attempt id %q", ErrInvalidKey, attemptID)
	}
	return recordPrefix + attemptID + ".json", nil
}

func (l *Ledger) RecordOrphan(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ReceiptURL) == "" {
		return fmt.Errorf("%w: empty receipt url", ErrInvalidKey)
	}
	key, err := recordKey(rec.AttemptID)
	if err != nil {
		return err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = l.now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("orphan: marshal record: %w", err)
	}
	return l.store.Put(ctx, key, b)
}

// List returns all outstanding records ordered by attempt id.
func (l *Ledger) List(ctx context.Context) ([]Record, error) {
	keys, err := l.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		b, err := l.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("orphan: decode %q: %w", k, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Resolve drops the record once the receipt has been cleaned up or reused.
func (l *Ledger) Resolve(ctx context.Context, attemptID string) error {
	key, err := recordKey(attemptID)
	if err != nil {
		return err
	}
	return l.store.Delete(ctx, key)
}
