package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventVersion = "deposit.workflow.v1"
	// DefaultEventTopic is used when Config.EventTopic is empty.
	DefaultEventTopic = "daily-earn.deposit.workflow"
)

// Event is published on every state change of an attempt.
type Event struct {
	Version   string    `json:"version"`
	AttemptID string    `json:"attempt_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`

	Amount      string `json:"amount,omitempty"`
	ReceiptSHA3 string `json:"receipt_sha3,omitempty"`
	ReceiptURL  string `json:"receipt_url,omitempty"`
	DepositID   string `json:"deposit_id,omitempty"`
	Error       string `json:"error,omitempty"`
	Orphaned    bool   `json:"orphaned,omitempty"`
}

// DecodeEvent parses one event and rejects other payload versions.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("workflow: decode event: %w", err)
	}
	if ev.Version != EventVersion {
		return Event{}, fmt.Errorf("workflow: unsupported event version %q", ev.Version)
	}
	if strings.TrimSpace(ev.AttemptID) == "" {
		return Event{}, fmt.Errorf("workflow: event missing attempt id")
	}
	return ev, nil
}

func (c *Controller) emit(ctx context.Context, a *attempt, from, to State, cause error) {
	if c.cfg.Events == nil {
		return
	}
	ev := Event{
		Version:    EventVersion,
		AttemptID:  a.id,
		From:       from.String(),
		To:         to.String(),
		At:         c.cfg.Now().UTC(),
		ReceiptURL: a.receiptURL,
		DepositID:  a.deposit.DepositID,
		Orphaned:   a.orphaned,
	}
	if a.validated {
		ev.Amount = a.amount.String()
		ev.ReceiptSHA3 = a.asset.DigestHex()
	}
	if cause != nil {
		ev.Error = UserMessage(cause)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("workflow: marshal event", "attempt", a.id, "err", err)
		return
	}
	if err := c.cfg.Events.Publish(ctx, c.cfg.EventTopic, []byte(a.id), b); err != nil {
		c.log.Warn("workflow: publish event failed", "attempt", a.id, "to", to.String(), "err", err)
	}
}
