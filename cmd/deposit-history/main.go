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
	"github.com/daily-earn/deposit-client/internal/secrets"
	"github.com/daily-earn/deposit-client/internal/workflow"
)

func main() {
	var (
		apiURL      = flag.String("api-url", "", "backend origin (default $"+apiclient.EnvBaseURL+", then "+apiclient.DefaultBaseURL+")")
		tokenEnv    = flag.String("token-env", "", "env var holding the session bearer token")
		tokenSecret = flag.String("token-secret", "", "AWS Secrets Manager id of the session token (id or id#field)")
		cookieEnv   = flag.String("session-cookie-env", "", "env var holding the session cookie as name=value")

		postgresDSN = flag.String("history-postgres-dsn", "", "optional Postgres DSN for the deposit history cache")

		follow       = flag.Bool("follow", false, "keep running and refresh whenever a deposit succeeds")
		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "event consumer driver for --follow: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup   = flag.String("queue-group", "deposit-history", "kafka consumer group")
		eventTopic   = flag.String("event-topic", workflow.DefaultEventTopic, "workflow event topic")

		listOrphans   = flag.Bool("list-orphans", false, "print receipts uploaded without a deposit and exit")
		resolveOrphan = flag.String("resolve-orphan", "", "drop the orphan record for this attempt id and exit")
		orphanDriver  = flag.String("orphan-driver", orphan.DriverS3, "orphan ledger driver: s3|memory")
		orphanBucket  = flag.String("orphan-bucket", "", "S3 bucket for the orphan ledger")
		orphanPrefix  = flag.String("orphan-prefix", "", "S3 key prefix for the orphan ledger")

		timeout   = flag.Duration("timeout", 30*time.Second, "timeout for each refresh")
		logFormat = flag.String("log-format", "text", "log format: text|json")
	)
	flag.Parse()

	if *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		os.Exit(2)
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintf(os.Stderr, "error: unsupported --log-format %q\n", *logFormat)
		os.Exit(2)
	}
	log := newLogger(*logFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listOrphans || strings.TrimSpace(*resolveOrphan) != "" {
		if err := orphans(ctx, *orphanDriver, *orphanBucket, *orphanPrefix, *resolveOrphan, os.Stdout); err != nil {
			log.Error("orphan ledger", "err", err)
			os.Exit(1)
		}
		return
	}

	client, err := newAPIClient(ctx, *apiURL, secrets.SessionSource{
		TokenEnv:    *tokenEnv,
		TokenSecret: *tokenSecret,
		CookieEnv:   *cookieEnv,
	})
	if err != nil {
		log.Error("init api client", "err", err)
		os.Exit(2)
	}

	acctFetcher, err := account.NewHTTPFetcher(client)
	if err != nil {
		log.Error("init account fetcher", "err", err)
		os.Exit(2)
	}
	acct, err := account.New(account.Config{Fetcher: acctFetcher, Log: log})
	if err != nil {
		log.Error("init account store", "err", err)
		os.Exit(2)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, *timeout)
	snap, err := acct.Refresh(refreshCtx)
	cancel()
	if err != nil {
		log.Error("load account", "err", err)
		os.Exit(1)
	}

	var cache deposit.Cache = deposit.NewMemoryStore()
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()
		pgStore, err := depositpg.New(pool)
		if err != nil {
			log.Error("init history cache", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure history cache schema", "err", err)
			os.Exit(2)
		}
		cache = pgStore
	}

	histFetcher, err := history.NewHTTPFetcher(client)
	if err != nil {
		log.Error("init history fetcher", "err", err)
		os.Exit(2)
	}
	hist, err := history.New(history.Config{Fetcher: histFetcher, Cache: cache, Owner: snap.UserID, Log: log})
	if err != nil {
		log.Error("init history store", "err", err)
		os.Exit(2)
	}
	if err := hist.Warm(ctx); err != nil {
		log.Warn("history cache warm failed", "err", err)
	}

	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		if _, err := hist.Refresh(rctx); err != nil {
			log.Warn("history refresh failed, showing cached list", "err", err)
		}
		cur, _ := acct.Current()
		if err := writeReport(os.Stdout, cur, hist.Snapshot(), workflow.MinimumDeposit); err != nil {
			log.Error("write report", "err", err)
		}
	}
	refresh()
	if !*follow {
		return
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*eventTopic},
	})
	if err != nil {
		log.Error("init event consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("deposit-history following", "topic", *eventTopic, "driver", *queueDriver)
	errs := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("event consumer", "err", err)
		case msg, ok := <-consumer.Messages():
			if !ok {
				return
			}
			if shouldRefresh(msg.Value, log) {
				rctx, cancel := context.WithTimeout(ctx, *timeout)
				if _, err := acct.Refresh(rctx); err != nil {
					log.Warn("account refresh failed", "err", err)
				}
				cancel()
				refresh()
			}
			if err := msg.Ack(ctx); err != nil {
				log.Warn("ack event", "err", err)
			}
		}
	}
}

func newLogger(format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// shouldRefresh reports whether an event means a new deposit exists.
func shouldRefresh(payload []byte, log *slog.Logger) bool {
	ev, err := workflow.DecodeEvent(payload)
	if err != nil {
		log.Debug("skip event", "err", err)
		return false
	}
	return ev.To == workflow.StateSucceeded.String()
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
	opts := []apiclient.ClientOption{apiclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second})}
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

type accountView struct {
	UserID        string `json:"user_id,omitempty"`
	TotalBalance  string `json:"total_balance"`
	TasksUnlocked string `json:"tasks_unlocked"`
	Notice        string `json:"notice"`
}

type depositView struct {
	ID        string    `json:"id"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type report struct {
	Account  accountView   `json:"account"`
	Deposits []depositView `json:"deposits"`
}

func writeReport(w io.Writer, snap account.Snapshot, ds []deposit.Deposit, minimum decimal.Decimal) error {
	r := report{Deposits: make([]depositView, 0, len(ds))}
	r.Account = accountView{
		UserID:        snap.UserID,
		TotalBalance:  snap.TotalBalance().StringFixed(2),
		TasksUnlocked: snap.TasksUnlocked(),
		Notice:        snap.DepositNotice(minimum),
	}
	for _, d := range ds {
		r.Deposits = append(r.Deposits, depositView{
			ID:        d.ID,
			Amount:    d.Amount.StringFixed(2),
			Status:    d.Status.Label(),
			CreatedAt: d.CreatedAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func orphans(ctx context.Context, driver, bucket, prefix, resolve string, w io.Writer) error {
	cfg := orphan.StoreConfig{Driver: driver, Bucket: bucket, Prefix: prefix}
	if strings.EqualFold(strings.TrimSpace(driver), orphan.DriverS3) {
		if strings.TrimSpace(bucket) == "" {
			return errors.New("--orphan-bucket is required when --orphan-driver=s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	store, err := orphan.NewStore(cfg)
	if err != nil {
		return err
	}
	ledger, err := orphan.NewLedger(store)
	if err != nil {
		return err
	}
	return runOrphans(ctx, ledger, resolve, w)
}

func runOrphans(ctx context.Context, ledger *orphan.Ledger, resolve string, w io.Writer) error {
	if id := strings.TrimSpace(resolve); id != "" {
		if err := ledger.Resolve(ctx, id); err != nil {
			return err
		}
	}
	recs, err := ledger.List(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}
