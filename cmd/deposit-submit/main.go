package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/daily-earn/deposit-client/internal/account"
	"github.com/daily-earn/deposit-client/internal/apiclient"
	"github.com/daily-earn/deposit-client/internal/deposit"
	depositpg "github.com/daily-earn/deposit-client/internal/deposit/postgres"
	"github.com/daily-earn/deposit-client/internal/history"
	"github.com/daily-earn/deposit-client/internal/orphan"
	"github.com/daily-earn/deposit-client/internal/queue"
	"github.com/daily-earn/deposit-client/internal/receipt"
	"github.com/daily-earn/deposit-client/internal/secrets"
	"github.com/daily-earn/deposit-client/internal/submitter"
	"github.com/daily-earn/deposit-client/internal/uploader"
	"github.com/daily-earn/deposit-client/internal/workflow"
)

type config struct {
	APIURL  string
	Session secrets.SessionSource

	Amount        string
	ReceiptPath   string
	TxHash        string
	Notes         string
	WalletAddress string

	QueueDriver  string
	QueueBrokers []string
	EventTopic   string

	OrphanDriver string
	OrphanBucket string
	OrphanPrefix string

	HistoryPostgresDSN string

	Timeout   time.Duration
	LogFormat string
}

func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("deposit-submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		cfg          config
		queueBrokers string
	)
	fs.StringVar(&cfg.APIURL, "api-url", "", "backend origin (default $"+apiclient.EnvBaseURL+", then "+apiclient.DefaultBaseURL+")")
	fs.StringVar(&cfg.Session.TokenEnv, "token-env", "", "env var holding the session bearer token")
	fs.StringVar(&cfg.Session.TokenSecret, "token-secret", "", "AWS Secrets Manager id of the session token (id or id#field)")
	fs.StringVar(&cfg.Session.CookieEnv, "session-cookie-env", "", "env var holding the session cookie as name=value")

	fs.StringVar(&cfg.Amount, "amount", "", "deposit amount in USD (required)")
	fs.StringVar(&cfg.ReceiptPath, "receipt", "", "path to the receipt image (required)")
	fs.StringVar(&cfg.TxHash, "tx-hash", "", "optional on-chain transaction hash")
	fs.StringVar(&cfg.Notes, "notes", "", "optional notes (defaults to the wallet address line)")
	fs.StringVar(&cfg.WalletAddress, "wallet-address", workflow.DefaultWalletAddress, "deposit wallet address shown in the default notes")

	fs.StringVar(&cfg.QueueDriver, "queue-driver", queue.DriverNone, "workflow event driver: none|kafka|stdio")
	fs.StringVar(&queueBrokers, "queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	fs.StringVar(&cfg.EventTopic, "event-topic", workflow.DefaultEventTopic, "workflow event topic")

	fs.StringVar(&cfg.OrphanDriver, "orphan-driver", orphan.DriverMemory, "orphaned receipt ledger: memory (kept only for this process)|s3")
	fs.StringVar(&cfg.OrphanBucket, "orphan-bucket", "", "S3 bucket for the orphan ledger (required for s3)")
	fs.StringVar(&cfg.OrphanPrefix, "orphan-prefix", "", "S3 key prefix for the orphan ledger")

	fs.StringVar(&cfg.HistoryPostgresDSN, "history-postgres-dsn", "", "optional Postgres DSN for the deposit history cache")

	fs.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "overall timeout for the attempt")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text|json")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	cfg.QueueBrokers = queue.SplitCommaList(queueBrokers)

	if strings.TrimSpace(cfg.Amount) == "" || strings.TrimSpace(cfg.ReceiptPath) == "" {
		return config{}, errors.New("--amount and --receipt are required")
	}
	if cfg.Timeout <= 0 {
		return config{}, errors.New("--timeout must be > 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return config{}, fmt.Errorf("unsupported --log-format %q", cfg.LogFormat)
	}
	if strings.EqualFold(strings.TrimSpace(cfg.QueueDriver), queue.DriverKafka) && len(cfg.QueueBrokers) == 0 {
		return config{}, errors.New("--queue-brokers is required when --queue-driver=kafka")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.OrphanDriver), orphan.DriverS3) && strings.TrimSpace(cfg.OrphanBucket) == "" {
		return config{}, errors.New("--orphan-bucket is required when --orphan-driver=s3")
	}
	return cfg, nil
}

func newLogger(format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res, err := run(ctx, cfg, log)
	if errors.Is(err, errSetup) {
		log.Error("deposit-submit setup", "err", err)
		os.Exit(2)
	}
	if encErr := writeSummary(os.Stdout, res); encErr != nil {
		log.Error("write summary", "err", encErr)
	}
	if err != nil {
		os.Exit(1)
	}
}

var errSetup = errors.New("setup failed")

func setupErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", errSetup, what, err)
}

func run(ctx context.Context, cfg config, log *slog.Logger) (workflow.Result, error) {
	client, err := newAPIClient(ctx, cfg.APIURL, cfg.Session)
	if err != nil {
		return workflow.Result{}, setupErr("api client", err)
	}

	up, err := uploader.New(client)
	if err != nil {
		return workflow.Result{}, setupErr("uploader", err)
	}
	sub, err := submitter.New(client)
	if err != nil {
		return workflow.Result{}, setupErr("submitter", err)
	}

	acctFetcher, err := account.NewHTTPFetcher(client)
	if err != nil {
		return workflow.Result{}, setupErr("account fetcher", err)
	}
	acct, err := account.New(account.Config{Fetcher: acctFetcher, Log: log})
	if err != nil {
		return workflow.Result{}, setupErr("account store", err)
	}
	var owner string
	if snap, err := acct.Refresh(ctx); err == nil {
		owner = snap.UserID
		log.Info("account loaded", "user", owner, "total_balance", snap.TotalBalance().String(), "tasks_unlocked", snap.TasksUnlocked())
	}

	cache, closeCache, err := openHistoryCache(ctx, cfg.HistoryPostgresDSN)
	if err != nil {
		return workflow.Result{}, setupErr("history cache", err)
	}
	defer closeCache()

	histFetcher, err := history.NewHTTPFetcher(client)
	if err != nil {
		return workflow.Result{}, setupErr("history fetcher", err)
	}
	hist, err := history.New(history.Config{Fetcher: histFetcher, Cache: cache, Owner: owner, Log: log})
	if err != nil {
		return workflow.Result{}, setupErr("history store", err)
	}
	if err := hist.Warm(ctx); err != nil {
		log.Warn("history cache warm failed", "err", err)
	}

	ledger, err := openOrphanLedger(ctx, cfg)
	if err != nil {
		return workflow.Result{}, setupErr("orphan ledger", err)
	}

	events, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  cfg.QueueDriver,
		Brokers: cfg.QueueBrokers,
		Writer:  os.Stderr,
	})
	if err != nil {
		return workflow.Result{}, setupErr("event producer", err)
	}
	defer func() { _ = events.Close() }()

	ctrl, err := workflow.New(workflow.Config{
		Uploader:      up,
		Submitter:     sub,
		History:       hist,
		Account:       acct,
		Orphans:       ledger,
		Events:        events,
		EventTopic:    cfg.EventTopic,
		WalletAddress: cfg.WalletAddress,
		Log:           log,
	})
	if err != nil {
		return workflow.Result{}, setupErr("workflow", err)
	}

	f, err := receipt.Open(cfg.ReceiptPath)
	if err != nil {
		return workflow.Result{}, setupErr("receipt", err)
	}
	if _, err := ctrl.AttachReceipt(f); err != nil {
		res := workflow.Result{State: workflow.StateIdle, Err: err, Message: workflow.UserMessage(err)}
		return res, err
	}
	ctrl.SetAmount(cfg.Amount)
	ctrl.SetTransactionHash(cfg.TxHash)
	ctrl.SetNotes(cfg.Notes)

	if snap, ok := acct.Current(); ok {
		if amount, err := decimal.NewFromString(strings.TrimSpace(cfg.Amount)); err == nil {
			log.Info(snap.DepositNotice(ctrl.MinimumDeposit()), "projected_total", snap.ProjectedTotal(amount).String())
		}
	}

	res, err := ctrl.Submit(ctx)
	if err != nil {
		log.Error("deposit failed", "attempt", res.AttemptID, "state", res.State.String(), "message", res.Message)
		warnOrphan(log, cfg.OrphanDriver, res)
		return res, err
	}
	log.Info("deposit submitted", "attempt", res.AttemptID, "deposit_id", res.Deposit.DepositID, "history_entries", len(hist.Snapshot()))
	return res, nil
}

// warnOrphan logs an uploaded receipt that no deposit references. The memory
// ledger dies with the process, so the log line is the only trace of it.
func warnOrphan(log *slog.Logger, driver string, res workflow.Result) bool {
	if !res.Orphaned {
		return false
	}
	persisted := strings.EqualFold(strings.TrimSpace(driver), orphan.DriverS3)
	log.Warn("receipt uploaded without a deposit", "attempt", res.AttemptID, "receipt_url", res.ReceiptURL, "ledger", driver, "persisted", persisted)
	return true
}

func newAPIClient(ctx context.Context, apiURL string, src secrets.SessionSource) (*apiclient.Client, error) {
	var sm secrets.Provider
	if strings.TrimSpace(src.TokenSecret) != "" {
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		sm = p
	}
	sess, err := secrets.ResolveSession(ctx, src, secrets.NewEnv(), sm)
	if err != nil {
		return nil, err
	}
	opts := []apiclient.ClientOption{apiclient.WithHTTPClient(newHTTPClient())}
	if sess.BearerToken != "" {
		opts = append(opts, apiclient.WithBearerToken(sess.BearerToken))
	}
	if sess.Cookie != "" {
		name, value, ok := strings.Cut(sess.Cookie, "=")
		if !ok {
			name, value = "token", sess.Cookie
		}
		opts = append(opts, apiclient.WithSessionCookie(name, value))
	}
	return apiclient.NewClient(apiclient.ResolveBaseURL(apiURL), opts...)
}

func openHistoryCache(ctx context.Context, dsn string) (deposit.Cache, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return deposit.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	store, err := depositpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func openOrphanLedger(ctx context.Context, cfg config) (*orphan.Ledger, error) {
	scfg := orphan.StoreConfig{
		Driver: cfg.OrphanDriver,
		Prefix: cfg.OrphanPrefix,
		Bucket: cfg.OrphanBucket,
	}
	if strings.EqualFold(strings.TrimSpace(cfg.OrphanDriver), orphan.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		scfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	store, err := orphan.NewStore(scfg)
	if err != nil {
		return nil, err
	}
	return orphan.NewLedger(store)
}

type summary struct {
	AttemptID  string `json:"attempt_id,omitempty"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	ReceiptURL string `json:"receipt_url,omitempty"`
	Orphaned   bool   `json:"orphaned,omitempty"`
	DepositID  string `json:"deposit_id,omitempty"`
	Status     string `json:"deposit_status,omitempty"`
}

func writeSummary(w io.Writer, res workflow.Result) error {
	s := summary{
		AttemptID:  res.AttemptID,
		State:      res.State.String(),
		Message:    res.Message,
		ReceiptURL: res.ReceiptURL,
		Orphaned:   res.Orphaned,
		DepositID:  res.Deposit.DepositID,
		Status:     res.Deposit.Status,
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
