package deposit

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("deposit: not found")
	ErrInvalidOwner = errors.New("deposit: invalid owner")
)

// Cache persists the last successfully fetched deposit list per owner so a
// restarted client can show stale history before its first refresh.
type Cache interface {
	// Load returns ErrNotFound when nothing was saved for owner.
	Load(ctx context.Context, owner string) ([]Deposit, error)
	// Save replaces the whole list for owner, preserving order.
	Save(ctx context.Context, owner string, deposits []Deposit) error
}
