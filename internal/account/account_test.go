package account

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/daily-earn/deposit-client/internal/apiclient"
	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dp(v string) *decimal.Decimal {
	x := decimal.RequireFromString(v)
	return &x
}

func TestSnapshot_TotalBalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{name: "balance only", snap: Snapshot{Balance: d("40")}, want: "40"},
		{name: "balance plus additional", snap: Snapshot{Balance: d("40"), AdditionalBalance: dp("12.5")}, want: "52.5"},
		{name: "reported total wins", snap: Snapshot{Balance: d("40"), AdditionalBalance: dp("12.5"), ReportedTotal: dp("60")}, want: "60"},
		{name: "zero reported total falls back", snap: Snapshot{Balance: d("40"), ReportedTotal: dp("0")}, want: "40"},
		{name: "empty", snap: Snapshot{}, want: "0"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.snap.TotalBalance(); !got.Equal(d(tc.want)) {
				t.Fatalf("TotalBalance: got %s want %s", got, tc.want)
			}
		})
	}
}

func TestSnapshot_FirstDepositDoesNotIncreaseTotal(t *testing.T) {
	t.Parallel()

	first := Snapshot{Balance: d("0"), HasDeposited: false}
	if got := first.ProjectedTotal(d("10")); !got.Equal(d("0")) {
		t.Fatalf("first deposit projected total: got %s want 0", got)
	}
	if got := first.DepositNotice(d("10")); got != "First $10 deposit unlocks tasks but doesn't add to balance" {
		t.Fatalf("notice: got %q", got)
	}
	if first.TasksUnlocked() != "No" {
		t.Fatalf("TasksUnlocked: got %q", first.TasksUnlocked())
	}

	later := Snapshot{Balance: d("15"), AdditionalBalance: dp("5"), HasDeposited: true}
	if got := later.ProjectedTotal(d("50")); !got.Equal(d("70")) {
		t.Fatalf("subsequent deposit projected total: got %s want 70", got)
	}
	if got := later.DepositNotice(d("10")); got != "Subsequent deposits add to your balance normally" {
		t.Fatalf("notice: got %q", got)
	}
	if later.TasksUnlocked() != "Yes" {
		t.Fatalf("TasksUnlocked: got %q", later.TasksUnlocked())
	}
}

type stubFetcher struct {
	snaps []Snapshot
	errs  []error
	calls int
}

func (f *stubFetcher) FetchAccount(context.Context) (Snapshot, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Snapshot{}, f.errs[i]
	}
	if i < len(f.snaps) {
		return f.snaps[i], nil
	}
	return f.snaps[len(f.snaps)-1], nil
}

func TestStore_RefreshPublishesAndKeepsPreviousOnFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := &stubFetcher{
		snaps: []Snapshot{{Balance: d("10"), HasDeposited: true}},
		errs:  []error{nil, boom, boom},
	}
	s, err := New(Config{Fetcher: f, Attempts: 2, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatalf("expected no snapshot before refresh")
	}

	var published []Snapshot
	s.OnChange(func(sn Snapshot) { published = append(published, sn) })

	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh #1: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("expected one publish, got %d", len(published))
	}

	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	cur, ok := s.Current()
	if !ok || !cur.Balance.Equal(d("10")) || !cur.HasDeposited {
		t.Fatalf("previous snapshot should be kept, got %+v ok=%v", cur, ok)
	}
	if len(published) != 1 {
		t.Fatalf("failed refresh must not publish")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 fetches, got %d", f.calls)
	}
}

func TestHTTPFetcher_FetchAccount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EndpointPath {
			t.Errorf("path: got %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"success":true,"user":{"_id":"u1","balance":20,"additionalBalance":5.25,"totalBalance":null,"hasDeposited":true}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := apiclient.NewClient(srv.URL, apiclient.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	f, err := NewHTTPFetcher(c)
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	snap, err := f.FetchAccount(context.Background())
	if err != nil {
		t.Fatalf("FetchAccount: %v", err)
	}
	if snap.UserID != "u1" || !snap.HasDeposited {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.ReportedTotal != nil {
		t.Fatalf("null totalBalance should be absent")
	}
	if got := snap.TotalBalance(); !got.Equal(d("25.25")) {
		t.Fatalf("TotalBalance: got %s", got)
	}
}

func TestHTTPFetcher_MissingUser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)

	c, err := apiclient.NewClient(srv.URL, apiclient.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	f, err := NewHTTPFetcher(c)
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	if _, err := f.FetchAccount(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
}

func TestStore_ListenersSeeEveryRefresh(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{snaps: []Snapshot{{Balance: d("10")}, {Balance: d("25"), HasDeposited: true}}}
	s, err := New(Config{Fetcher: f, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var first, late []string
	s.OnChange(func(sn Snapshot) {
		first = append(first, sn.Balance.String())
		if len(first) == 1 {
			// Registered mid-publish; only sees later refreshes.
			s.OnChange(func(sn Snapshot) { late = append(late, sn.Balance.String()) })
		}
	})
	s.OnChange(nil)

	for i := 0; i < 2; i++ {
		if _, err := s.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh #%d: %v", i+1, err)
		}
	}
	if len(first) != 2 || first[0] != "10" || first[1] != "25" {
		t.Fatalf("first listener saw %v", first)
	}
	if len(late) != 1 || late[0] != "25" {
		t.Fatalf("late listener saw %v", late)
	}
}
