// Package workflow drives one deposit submission: validate the form, upload
// the receipt, create the deposit, then refresh history and account state.
//
// The controller runs at most one attempt at a time. Upload always completes
// before the deposit request is sent; neither step is retried automatically.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/daily-earn/deposit-client/internal/account"
	"github.com/daily-earn/deposit-client/internal/deposit"
	"github.com/daily-earn/deposit-client/internal/orphan"
	"github.com/daily-earn/deposit-client/internal/queue"
	"github.com/daily-earn/deposit-client/internal/receipt"
	"github.com/daily-earn/deposit-client/internal/submitter"
	"github.com/daily-earn/deposit-client/internal/uploader"
)

// DefaultWalletAddress is the address users are asked to send funds to.
const DefaultWalletAddress = "6d1787e75b8fee77ec8fcd8b1333c27f"

// MinimumDeposit is the smallest amount accepted by default.
var MinimumDeposit = decimal.NewFromInt(10)

type HistoryRefresher interface {
	Refresh(ctx context.Context) ([]deposit.Deposit, error)
}

type AccountRefresher interface {
	Refresh(ctx context.Context) (account.Snapshot, error)
}

type Config struct {
	Uploader  uploader.Uploader
	Submitter submitter.Submitter

	// History and Account are refreshed, in that order, after a successful
	// submission. Either may be nil.
	History HistoryRefresher
	Account AccountRefresher

	// Orphans receives receipts that were uploaded for a deposit the backend
	// then refused. Optional.
	Orphans orphan.Recorder

	// Events receives one message per state change. Optional.
	Events     queue.Producer
	EventTopic string

	MinimumDeposit decimal.Decimal
	WalletAddress  string

	NewAttemptID func() string
	Now          func() time.Time
	Log          *slog.Logger
}

// Form is the user's pending input.
type Form struct {
	Amount          string
	TransactionHash string
	Notes           string
	Receipt         *receipt.Asset
}

// Result describes the end of one attempt.
type Result struct {
	AttemptID string
	State     State
	Err       error

	// ReceiptURL is set once the upload succeeded, even if the deposit failed.
	ReceiptURL string
	// Orphaned is set when ReceiptURL was uploaded but no deposit references it.
	Orphaned bool
	Deposit  submitter.Result

	Message string
}

type attempt struct {
	id        string
	validated bool
	amount    decimal.Decimal
	asset     receipt.Asset

	receiptURL string
	deposit    submitter.Result
	orphaned   bool
}

type Controller struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	form    Form
	// busy spans the whole attempt, including the refreshes after success.
	busy bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("%w: nil uploader", ErrInvalidConfig)
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if cfg.MinimumDeposit.IsZero() {
		cfg.MinimumDeposit = MinimumDeposit
	}
	if cfg.MinimumDeposit.IsNegative() {
		return nil, fmt.Errorf("%w: minimum deposit must be positive", ErrInvalidConfig)
	}
	cfg.WalletAddress = strings.TrimSpace(cfg.WalletAddress)
	if cfg.WalletAddress == "" {
		cfg.WalletAddress = DefaultWalletAddress
	}
	cfg.EventTopic = strings.TrimSpace(cfg.EventTopic)
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if cfg.NewAttemptID == nil {
		cfg.NewAttemptID = func() string { return uuid.NewString() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Controller{cfg: cfg, log: log}, nil
}

// State returns the current state and, when failed, the reason.
func (c *Controller) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

func (c *Controller) SetAmount(v string) {
	c.mu.Lock()
	c.form.Amount = strings.TrimSpace(v)
	c.mu.Unlock()
}

func (c *Controller) SetTransactionHash(v string) {
	c.mu.Lock()
	c.form.TransactionHash = strings.TrimSpace(v)
	c.mu.Unlock()
}

func (c *Controller) SetNotes(v string) {
	c.mu.Lock()
	c.form.Notes = strings.TrimSpace(v)
	c.mu.Unlock()
}

// AttachReceipt validates f and makes it the pending receipt. An invalid file
// leaves the previously attached receipt in place.
func (c *Controller) AttachReceipt(f receipt.File) (receipt.Asset, error) {
	asset, err := receipt.Validate(f)
	if err != nil {
		return receipt.Asset{}, receiptValidationError(err)
	}
	c.mu.Lock()
	c.form.Receipt.Release()
	c.form.Receipt = &asset
	c.mu.Unlock()
	return asset, nil
}

// RemoveReceipt discards the pending receipt and its preview. It does not
// abort an upload that is already running.
func (c *Controller) RemoveReceipt() {
	c.mu.Lock()
	c.form.Receipt.Release()
	c.form.Receipt = nil
	c.mu.Unlock()
}

// Form returns a copy of the pending input.
func (c *Controller) Form() Form {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form.clone()
}

// Ready reports whether Submit would get past validation right now.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.state.InFlight() || c.form.Receipt == nil {
		return false
	}
	_, err := c.parseAmount(c.form.Amount)
	return err == nil
}

// DefaultNotes is attached when the user leaves notes empty.
func (c *Controller) DefaultNotes() string {
	return "Deposit via BEP20/ERC20 address: " + c.cfg.WalletAddress
}

func (c *Controller) MinimumDeposit() decimal.Decimal {
	return c.cfg.MinimumDeposit
}

// Submit runs one attempt to completion. It returns ErrBusy without side
// effects while another attempt is in flight, which lasts until the refreshes
// after a success have returned. Any other returned error is the
// reason the attempt failed and is also carried in Result.Err.
func (c *Controller) Submit(ctx context.Context) (Result, error) {
	c.mu.Lock()
	from := c.state
	if c.busy || from.InFlight() {
		c.mu.Unlock()
		return Result{State: from}, ErrBusy
	}
	a := &attempt{id: c.cfg.NewAttemptID()}
	var steps [][2]State
	if from.Terminal() {
		steps = append(steps, [2]State{from, StateIdle})
		from = StateIdle
	}
	steps = append(steps, [2]State{from, StateValidating})
	for _, st := range steps {
		if !allowed(st[0], st[1]) {
			c.mu.Unlock()
			return Result{State: c.state}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st[0], st[1])
		}
	}
	c.state = StateValidating
	c.lastErr = nil
	c.busy = true
	form := c.form.clone()
	c.mu.Unlock()
	defer c.idle()

	for _, st := range steps {
		c.emit(ctx, a, st[0], st[1], nil)
	}
	c.log.Info("workflow: attempt started", "attempt", a.id)

	amount, err := c.parseAmount(form.Amount)
	if err != nil {
		return c.fail(ctx, a, err)
	}
	if form.Receipt == nil {
		return c.fail(ctx, a, &ValidationError{Field: "receipt", Message: msgMissingReceipt, Err: ErrMissingReceipt})
	}
	a.validated = true
	a.amount = amount
	a.asset = *form.Receipt

	if err := c.advance(ctx, a, StateUploadingAsset, nil); err != nil {
		return Result{AttemptID: a.id, State: c.current()}, err
	}
	url, err := c.cfg.Uploader.Upload(ctx, a.asset)
	if err != nil {
		return c.fail(ctx, a, err)
	}
	a.receiptURL = url

	if err := c.advance(ctx, a, StateSubmittingDeposit, nil); err != nil {
		return Result{AttemptID: a.id, State: c.current(), ReceiptURL: url}, err
	}
	notes := form.Notes
	if notes == "" {
		notes = c.DefaultNotes()
	}
	dep, err := c.cfg.Submitter.Submit(ctx, submitter.Request{
		Amount:          amount,
		ReceiptURL:      url,
		TransactionHash: form.TransactionHash,
		Notes:           notes,
	})
	if err != nil {
		a.orphaned = true
		c.recordOrphan(ctx, a, err)
		return c.fail(ctx, a, err)
	}
	a.deposit = dep

	if err := c.succeed(ctx, a); err != nil {
		return Result{AttemptID: a.id, State: c.current(), ReceiptURL: url, Deposit: dep}, err
	}
	c.log.Info("workflow: deposit submitted", "attempt", a.id, "amount", amount.String(), "deposit_id", dep.DepositID)
	c.afterSuccess(ctx, a)

	return Result{
		AttemptID:  a.id,
		State:      StateSucceeded,
		ReceiptURL: url,
		Deposit:    dep,
		Message:    MessageSucceeded,
	}, nil
}

func (c *Controller) parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	msg := fmt.Sprintf("Minimum deposit is $%s", c.cfg.MinimumDeposit.String())
	if raw == "" {
		return decimal.Decimal{}, &ValidationError{Field: "amount", Message: msg, Err: ErrInvalidAmount}
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, &ValidationError{Field: "amount", Message: msg, Err: fmt.Errorf("%w: %v", ErrInvalidAmount, err)}
	}
	if v.LessThan(c.cfg.MinimumDeposit) {
		return decimal.Decimal{}, &ValidationError{Field: "amount", Message: msg, Err: ErrAmountTooLow}
	}
	return v, nil
}

func (c *Controller) current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) advance(ctx context.Context, a *attempt, to State, cause error) error {
	c.mu.Lock()
	from := c.state
	if !allowed(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	c.lastErr = cause
	c.mu.Unlock()

	c.emit(ctx, a, from, to, cause)
	return nil
}

// succeed moves to succeeded and clears the form in one step, so the submitted
// input can never be picked up by another attempt.
func (c *Controller) succeed(ctx context.Context, a *attempt) error {
	c.mu.Lock()
	from := c.state
	if !allowed(from, StateSucceeded) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StateSucceeded)
	}
	c.state = StateSucceeded
	c.lastErr = nil
	c.form.Receipt.Release()
	c.form = Form{}
	c.mu.Unlock()

	c.emit(ctx, a, from, StateSucceeded, nil)
	return nil
}

func (c *Controller) idle() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) fail(ctx context.Context, a *attempt, cause error) (Result, error) {
	res := Result{
		AttemptID:  a.id,
		State:      StateFailed,
		Err:        cause,
		ReceiptURL: a.receiptURL,
		Orphaned:   a.orphaned,
		Message:    UserMessage(cause),
	}
	if err := c.advance(ctx, a, StateFailed, cause); err != nil {
		res.State = c.current()
		return res, errors.Join(cause, err)
	}

	var ve *ValidationError
	if errors.As(cause, &ve) {
		c.log.Info("workflow: attempt rejected", "attempt", a.id, "field", ve.Field, "reason", ve.Message)
	} else {
		c.log.Warn("workflow: attempt failed", "attempt", a.id, "receipt_url", a.receiptURL, "err", cause)
	}
	return res, cause
}

// recordOrphan notes an uploaded receipt that no deposit references. The
// backend has no endpoint to delete it.
func (c *Controller) recordOrphan(ctx context.Context, a *attempt, cause error) {
	if c.cfg.Orphans == nil {
		return
	}
	rec := orphan.Record{
		AttemptID:   a.id,
		ReceiptURL:  a.receiptURL,
		ReceiptSHA3: a.asset.DigestHex(),
		Amount:      a.amount.String(),
		SubmitError: UserMessage(cause),
		RecordedAt:  c.cfg.Now().UTC(),
	}
	if err := c.cfg.Orphans.RecordOrphan(ctx, rec); err != nil {
		c.log.Error("workflow: record orphaned receipt", "attempt", a.id, "receipt_url", a.receiptURL, "err", err)
	}
}

// afterSuccess refreshes history, then the account. Failures are logged and
// never change the outcome.
func (c *Controller) afterSuccess(ctx context.Context, a *attempt) {
	if c.cfg.History != nil {
		if _, err := c.cfg.History.Refresh(ctx); err != nil {
			c.log.Warn("workflow: history refresh failed", "attempt", a.id, "err", err)
		}
	}
	if c.cfg.Account != nil {
		if _, err := c.cfg.Account.Refresh(ctx); err != nil {
			c.log.Warn("workflow: account refresh failed", "attempt", a.id, "err", err)
		}
	}
}

func (f Form) clone() Form {
	out := f
	if f.Receipt != nil {
		r := *f.Receipt
		out.Receipt = &r
	}
	return out
}
