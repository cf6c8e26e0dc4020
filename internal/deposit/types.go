package deposit

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the backend review state of a deposit. The client never changes it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// ParseStatus lowercases and trims v. Unknown values are kept verbatim so a
// new backend state still renders.
func ParseStatus(v string) Status {
	return Status(strings.ToLower(strings.TrimSpace(v)))
}

func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected:
		return true
	default:
		return false
	}
}

// Label is the display form used in the history list.
func (s Status) Label() string {
	switch s {
	case StatusConfirmed:
		return "Confirmed"
	case StatusPending:
		return "Pending"
	default:
		return "Rejected"
	}
}

// Deposit is a persisted deposit record as returned by the backend.
type Deposit struct {
	ID        string
	Amount    decimal.Decimal
	Status    Status
	CreatedAt time.Time
	UserID    string
}

// Equal compares deposits field by field; decimal amounts are compared by value.
func (d Deposit) Equal(o Deposit) bool {
	return d.ID == o.ID &&
		d.Amount.Equal(o.Amount) &&
		d.Status == o.Status &&
		d.CreatedAt.Equal(o.CreatedAt) &&
		d.UserID == o.UserID
}

// Clone copies a deposit list; a nil input yields nil.
func Clone(in []Deposit) []Deposit {
	if in == nil {
		return nil
	}
	out := make([]Deposit, len(in))
	copy(out, in)
	return out
}
