package workflow

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/daily-earn/deposit-client/internal/account"
	"github.com/daily-earn/deposit-client/internal/deposit"
	"github.com/daily-earn/deposit-client/internal/orphan"
	"github.com/daily-earn/deposit-client/internal/receipt"
	"github.com/daily-earn/deposit-client/internal/submitter"
	"github.com/daily-earn/deposit-client/internal/uploader"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

type fakeUploader struct {
	log     *callLog
	url     string
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, asset receipt.Asset) (string, error) {
	f.log.add("upload")
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	if len(asset.Data) == 0 {
		return "", errors.New("empty asset")
	}
	return f.url, f.err
}

type fakeSubmitter struct {
	log  *callLog
	mu   sync.Mutex
	reqs []submitter.Request
	res  submitter.Result
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req submitter.Request) (submitter.Result, error) {
	f.log.add("submit")
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.res, f.err
}

type fakeHistory struct {
	log    *callLog
	err    error
	during func()
}

func (f *fakeHistory) Refresh(context.Context) ([]deposit.Deposit, error) {
	f.log.add("history")
	if f.during != nil {
		f.during()
	}
	return nil, f.err
}

type fakeAccount struct {
	log *callLog
	err error
}

func (f *fakeAccount) Refresh(context.Context) (account.Snapshot, error) {
	f.log.add("account")
	return account.Snapshot{}, f.err
}

type recordingProducer struct {
	mu     sync.Mutex
	events []Event
	err    error
	onSend func(Event)
}

func (p *recordingProducer) Publish(_ context.Context, _ string, key, payload []byte) error {
	ev, err := DecodeEvent(payload)
	if err != nil {
		return err
	}
	if string(key) != ev.AttemptID {
		return errors.New("event key must be the attempt id")
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	onSend := p.onSend
	p.mu.Unlock()
	if onSend != nil {
		onSend(ev)
	}
	return p.err
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) transitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.From+">"+ev.To)
	}
	return out
}

type recordingOrphans struct {
	recs []orphan.Record
}

func (r *recordingOrphans) RecordOrphan(_ context.Context, rec orphan.Record) error {
	r.recs = append(r.recs, rec)
	return nil
}

type harness struct {
	log      *callLog
	up       *fakeUploader
	sub      *fakeSubmitter
	hist     *fakeHistory
	acct     *fakeAccount
	events   *recordingProducer
	orphans  *recordingOrphans
	ctrl     *Controller
	attempts int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{log: &callLog{}}
	h.up = &fakeUploader{log: h.log, url: "https://cdn/x.png"}
	h.sub = &fakeSubmitter{log: h.log}
	h.hist = &fakeHistory{log: h.log}
	h.acct = &fakeAccount{log: h.log}
	h.events = &recordingProducer{}
	h.orphans = &recordingOrphans{}
	ctrl, err := New(Config{
		Uploader:  h.up,
		Submitter: h.sub,
		History:   h.hist,
		Account:   h.acct,
		Orphans:   h.orphans,
		Events:    h.events,
		NewAttemptID: func() string {
			h.attempts++
			return "attempt-" + string(rune('0'+h.attempts))
		},
		Now: func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func pngFile(t *testing.T) receipt.File {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return receipt.File{Name: "receipt.png", ContentType: "image/png", Data: buf.Bytes()}
}

func (h *harness) attach(t *testing.T) {
	t.Helper()
	if _, err := h.ctrl.AttachReceipt(pngFile(t)); err != nil {
		t.Fatalf("AttachReceipt: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Submitter: &fakeSubmitter{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil uploader: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{Uploader: &fakeUploader{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil submitter: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{Uploader: &fakeUploader{}, Submitter: &fakeSubmitter{}, MinimumDeposit: decimal.NewFromInt(-1)}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative minimum: expected ErrInvalidConfig, got %v", err)
	}
}

func TestSubmit_AmountBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount  string
		wantErr error
	}{
		{amount: "9.99", wantErr: ErrAmountTooLow},
		{amount: "0", wantErr: ErrAmountTooLow},
		{amount: "-25", wantErr: ErrAmountTooLow},
		{amount: "", wantErr: ErrInvalidAmount},
		{amount: "ten", wantErr: ErrInvalidAmount},
		{amount: "10"},
		{amount: "10.00"},
		{amount: "10.01"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.amount, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.attach(t)
			h.ctrl.SetAmount(tc.amount)

			res, err := h.ctrl.Submit(context.Background())
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Submit: %v", err)
				}
				if res.State != StateSucceeded {
					t.Fatalf("state: got %s", res.State)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected ValidationError wrapping %v, got %v", tc.wantErr, err)
			}
			if ve.Field != "amount" || res.Message != "Minimum deposit is $10" {
				t.Fatalf("unexpected validation detail: field=%q message=%q", ve.Field, res.Message)
			}
			if res.State != StateFailed {
				t.Fatalf("state: got %s", res.State)
			}
			if calls := h.log.snapshot(); len(calls) != 0 {
				t.Fatalf("validation failure made calls: %v", calls)
			}
		})
	}
}

func TestSubmit_MissingReceiptMakesNoCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.ctrl.SetAmount("25.00")

	res, err := h.ctrl.Submit(context.Background())
	if !errors.Is(err, ErrMissingReceipt) {
		t.Fatalf("expected ErrMissingReceipt, got %v", err)
	}
	if res.Message != "Please upload a receipt screenshot" {
		t.Fatalf("message: got %q", res.Message)
	}
	if calls := h.log.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no calls, got %v", calls)
	}
	st, lastErr := h.ctrl.State()
	if st != StateFailed || !errors.Is(lastErr, ErrMissingReceipt) {
		t.Fatalf("State: got %s, %v", st, lastErr)
	}
	if got := h.events.transitions(); strings.Join(got, ",") != "idle>validating,validating>failed" {
		t.Fatalf("events: %v", got)
	}
}

func TestAttachReceipt_Rejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.attach(t)
	before := h.ctrl.Form().Receipt.Digest

	_, err := h.ctrl.AttachReceipt(receipt.File{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")})
	var ve *ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, receipt.ErrInvalidType) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if ve.Message != "Please select an image file (JPG, PNG, etc.)" {
		t.Fatalf("message: got %q", ve.Message)
	}

	big := receipt.File{Name: "big.jpg", ContentType: "image/jpeg", Size: 6 * 1024 * 1024}
	_, err = h.ctrl.AttachReceipt(big)
	if !errors.Is(err, receipt.ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if UserMessage(err) != "Image size must be less than 5MB" {
		t.Fatalf("message: got %q", UserMessage(err))
	}

	if got := h.ctrl.Form().Receipt; got == nil || got.Digest != before {
		t.Fatalf("rejected file must not replace the attached receipt")
	}
	if st, _ := h.ctrl.State(); st != StateIdle {
		t.Fatalf("attaching must not move the state machine, got %s", st)
	}
	if calls := h.log.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no calls, got %v", calls)
	}
}

func TestSubmit_UploadFailureNeverSubmits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.up.err = &uploader.Error{Message: "Cloud storage unavailable"}
	h.attach(t)
	h.ctrl.SetAmount("30")

	res, err := h.ctrl.Submit(context.Background())
	if !errors.Is(err, uploader.ErrUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if res.State != StateFailed || res.Orphaned || res.ReceiptURL != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Message != "Cloud storage unavailable" {
		t.Fatalf("message: got %q", res.Message)
	}
	if got := h.log.snapshot(); strings.Join(got, ",") != "upload" {
		t.Fatalf("calls: %v", got)
	}
	if len(h.orphans.recs) != 0 {
		t.Fatalf("nothing was uploaded, nothing is orphaned")
	}
	if h.ctrl.Form().Receipt == nil {
		t.Fatalf("form must be kept for a manual retry")
	}
}

func TestSubmit_RejectedDepositRecordsOrphan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sub.err = &submitter.Error{Message: "duplicate"}
	h.attach(t)
	h.ctrl.SetAmount("50.00")

	res, err := h.ctrl.Submit(context.Background())
	if !errors.Is(err, submitter.ErrSubmit) {
		t.Fatalf("expected submit error, got %v", err)
	}
	if res.State != StateFailed || res.Message != "duplicate" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Orphaned || res.ReceiptURL != "https://cdn/x.png" {
		t.Fatalf("orphaned upload not reported: %+v", res)
	}
	if len(h.orphans.recs) != 1 {
		t.Fatalf("expected one orphan record, got %d", len(h.orphans.recs))
	}
	rec := h.orphans.recs[0]
	if rec.ReceiptURL != "https://cdn/x.png" || rec.Amount != "50" || rec.SubmitError != "duplicate" || rec.AttemptID != res.AttemptID {
		t.Fatalf("unexpected orphan record %+v", rec)
	}
	if len(rec.ReceiptSHA3) != 64 {
		t.Fatalf("orphan record should carry the receipt digest, got %q", rec.ReceiptSHA3)
	}
	if h.log.count("history") != 0 || h.log.count("account") != 0 {
		t.Fatalf("refreshes only follow success: %v", h.log.snapshot())
	}
	if h.ctrl.Form().Amount != "50.00" {
		t.Fatalf("form must be kept after a failure")
	}
}

func TestSubmit_SuccessRunsSideEffectsOnceInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sub.res = submitter.Result{DepositID: "d1", Status: "pending"}
	h.attach(t)
	h.ctrl.SetAmount("10.00")
	h.ctrl.SetTransactionHash(" 0xabc ")

	if !h.ctrl.Ready() {
		t.Fatalf("expected Ready before submit")
	}
	res, err := h.ctrl.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != StateSucceeded || res.Message != MessageSucceeded || res.Deposit.DepositID != "d1" {
		t.Fatalf("unexpected result %+v", res)
	}

	if got := strings.Join(h.log.snapshot(), ","); got != "upload,submit,history,account" {
		t.Fatalf("call order: %s", got)
	}

	req := h.sub.reqs[0]
	if !req.Amount.Equal(decimal.NewFromInt(10)) || req.ReceiptURL != "https://cdn/x.png" || req.TransactionHash != "0xabc" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Notes != "Deposit via BEP20/ERC20 address: "+DefaultWalletAddress {
		t.Fatalf("notes: got %q", req.Notes)
	}

	form := h.ctrl.Form()
	if form.Amount != "" || form.TransactionHash != "" || form.Receipt != nil {
		t.Fatalf("form not cleared: %+v", form)
	}
	if h.ctrl.Ready() {
		t.Fatalf("cleared form must not be ready")
	}

	want := "idle>validating,validating>uploadingAsset,uploadingAsset>submittingDeposit,submittingDeposit>succeeded"
	if got := strings.Join(h.events.transitions(), ","); got != want {
		t.Fatalf("events: %s", got)
	}
	last := h.events.events[len(h.events.events)-1]
	if last.DepositID != "d1" || last.ReceiptURL != "https://cdn/x.png" || last.Amount != "10" {
		t.Fatalf("final event: %+v", last)
	}
}

func TestSubmit_RefreshFailuresKeepSucceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.hist.err = errors.New("history down")
	h.acct.err = errors.New("account down")
	h.events.err = errors.New("broker down")
	h.attach(t)
	h.ctrl.SetAmount("12")

	res, err := h.ctrl.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State != StateSucceeded {
		t.Fatalf("state: got %s", res.State)
	}
	if st, lastErr := h.ctrl.State(); st != StateSucceeded || lastErr != nil {
		t.Fatalf("State: got %s, %v", st, lastErr)
	}
	if h.log.count("history") != 1 || h.log.count("account") != 1 {
		t.Fatalf("expected one refresh each: %v", h.log.snapshot())
	}
}

func TestSubmit_UserNotesAreKept(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.attach(t)
	h.ctrl.SetAmount("20")
	h.ctrl.SetNotes("sent from exchange")

	if _, err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := h.sub.reqs[0].Notes; got != "sent from exchange" {
		t.Fatalf("notes: got %q", got)
	}
}

func TestSubmit_BusyWhileInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.up.started = make(chan struct{})
	h.up.release = make(chan struct{})
	h.attach(t)
	h.ctrl.SetAmount("15")

	done := make(chan Result, 1)
	go func() {
		res, _ := h.ctrl.Submit(context.Background())
		done <- res
	}()

	select {
	case <-h.up.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("upload never started")
	}

	res, err := h.ctrl.Submit(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if res.State != StateUploadingAsset {
		t.Fatalf("busy result state: got %s", res.State)
	}
	if h.ctrl.Ready() {
		t.Fatalf("Ready must be false while in flight")
	}

	close(h.up.release)
	select {
	case res := <-done:
		if res.State != StateSucceeded {
			t.Fatalf("first attempt: got %s", res.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first attempt never finished")
	}
	if h.log.count("upload") != 1 || h.log.count("submit") != 1 {
		t.Fatalf("busy submit must not call out: %v", h.log.snapshot())
	}
}

func TestSubmit_BusyUntilSuccessSideEffectsFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.attach(t)
	h.ctrl.SetAmount("50")

	var errs []error
	resubmit := func() {
		if h.ctrl.Ready() {
			t.Errorf("Ready must be false before the refreshes return")
		}
		_, err := h.ctrl.Submit(context.Background())
		errs = append(errs, err)
	}
	h.events.onSend = func(ev Event) {
		if ev.To == StateSucceeded.String() {
			resubmit()
		}
	}
	h.hist.during = resubmit

	if _, err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("expected two resubmits, got %d", len(errs))
	}
	for i, err := range errs {
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("resubmit %d: expected ErrBusy, got %v", i, err)
		}
	}
	if h.log.count("upload") != 1 || h.log.count("submit") != 1 {
		t.Fatalf("deposit sent more than once: %v", h.log.snapshot())
	}

	// Once the attempt has returned the cleared form is the only thing left.
	if _, err := h.ctrl.Submit(context.Background()); errors.Is(err, ErrBusy) || err == nil {
		t.Fatalf("expected a validation failure on the cleared form, got %v", err)
	}
	if h.log.count("upload") != 1 {
		t.Fatalf("cleared form must not upload: %v", h.log.snapshot())
	}
}

func TestSubmit_RetryAfterFailureStartsFromIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.up.err = &uploader.Error{Message: "Failed to upload receipt"}
	h.attach(t)
	h.ctrl.SetAmount("40")

	first, err := h.ctrl.Submit(context.Background())
	if err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	h.up.err = nil
	second, err := h.ctrl.Submit(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if first.AttemptID == second.AttemptID {
		t.Fatalf("each attempt gets its own id")
	}
	want := "idle>validating,validating>uploadingAsset,uploadingAsset>failed," +
		"failed>idle,idle>validating,validating>uploadingAsset,uploadingAsset>submittingDeposit,submittingDeposit>succeeded"
	if got := strings.Join(h.events.transitions(), ","); got != want {
		t.Fatalf("events: %s", got)
	}
	if h.log.count("upload") != 2 {
		t.Fatalf("a manual retry uploads again: %v", h.log.snapshot())
	}
}

func TestRemoveReceipt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.attach(t)
	h.ctrl.SetAmount("10")
	h.ctrl.RemoveReceipt()
	if h.ctrl.Form().Receipt != nil || h.ctrl.Ready() {
		t.Fatalf("receipt not removed")
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: &uploader.Error{}, want: "Failed to upload image. Please try again."},
		{err: &submitter.Error{Message: "duplicate"}, want: "duplicate"},
		{err: &submitter.Error{}, want: "Failed to submit deposit request. Please try again."},
		{err: errors.New("boom"), want: "Failed to submit deposit request. Please try again."},
		{err: ErrBusy, want: "A deposit is already being submitted"},
	}
	for _, tc := range tests {
		if got := UserMessage(tc.err); got != tc.want {
			t.Fatalf("UserMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
