// Command notifly runs the notification pipeline: the HTTP API, the outbox
// relay and the delivery worker, together or as separate roles.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	gu "github.com/xraph/go-utils/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/api"
	"github.com/xraph/notifly/broker"
	"github.com/xraph/notifly/broker/amqp"
	"github.com/xraph/notifly/broker/kafka"
	brokermem "github.com/xraph/notifly/broker/memory"
	"github.com/xraph/notifly/channel"
	"github.com/xraph/notifly/observability"
	"github.com/xraph/notifly/ratelimit"
	"github.com/xraph/notifly/store"
	"github.com/xraph/notifly/store/memory"
	"github.com/xraph/notifly/store/mongo"
	"github.com/xraph/notifly/store/postgres"
	"github.com/xraph/notifly/store/redis"
	"github.com/xraph/notifly/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("notifly exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := LoadSettings()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: settings.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func(context.Context) error
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](closeCtx); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	st, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error { return st.Close() })

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	b, err := openBroker(settings, logger)
	if err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error { return b.Close() })

	senders, err := buildSenders(settings)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	backlog := backlogSource{outbox: st, dlq: st}

	opts := []notifly.Option{
		notifly.WithStore(st),
		notifly.WithBroker(b),
		notifly.WithLogger(logger),
		notifly.WithSenders(senders),
		notifly.WithMetrics(observability.NewMetrics(gu.NewMetricsCollector("notifly"))),
		notifly.WithTracer(observability.NewTracer()),
		notifly.WithRateLimit(ratelimit.Config{RequestsPerMinute: settings.RateLimitRPM}),
		notifly.WithConcurrency(settings.WorkerConcurrency),
		notifly.WithPollInterval(settings.PollInterval),
		notifly.WithBatchSize(settings.BatchSize),
		notifly.WithShutdownTimeout(settings.ShutdownTimeout),
	}

	if settings.MongoURI != "" {
		dsn, err := settings.mongoDSN()
		if err != nil {
			return err
		}
		mdb, err := mongo.Open(ctx, dsn)
		if err != nil {
			return err
		}
		dlqStore := mongo.New(mdb)
		closers = append(closers, func(context.Context) error { return dlqStore.Close() })
		if err := dlqStore.Migrate(ctx); err != nil {
			return fmt.Errorf("mongo migrate: %w", err)
		}
		opts = append(opts, notifly.WithDeadLetterStore(dlqStore))
		backlog.dlq = dlqStore
	}
	reg.MustRegister(observability.NewBacklogCollector(backlog))

	if settings.RedisURL != "" {
		kvs, err := redis.Open(ctx, redis.ConnectConfig{
			URL:            settings.RedisURL,
			ConnectTimeout: 10 * time.Second,
			RetryAttempts:  3,
			RetryInterval:  2 * time.Second,
		})
		if err != nil {
			return err
		}
		windows := redis.New(kvs)
		closers = append(closers, func(context.Context) error { return windows.Close() })
		opts = append(opts, notifly.WithWindowStore(windows))
	}

	n, err := notifly.New(opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if settings.runs(RoleRelay) {
		if err := n.StartRelay(gctx); err != nil {
			return err
		}
	}
	if settings.runs(RoleWorker) {
		if err := n.StartWorker(gctx); err != nil {
			return err
		}
	}

	if settings.runs(RoleAPI) {
		srv := &http.Server{
			Addr:              settings.HTTPAddr,
			Handler:           api.NewHandler(n, api.Config{Gatherer: reg}, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", "addr", settings.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		n.Stop(context.Background())
		return nil
	})

	logger.Info("notifly started",
		"role", settings.Role,
		"store", settings.Store,
		"broker", settings.Broker,
	)

	return g.Wait()
}

// backlogSource reports the outbox backlog from the pipeline store and the
// dead letter count from wherever dead letters are kept.
type backlogSource struct {
	outbox interface {
		CountPending(ctx context.Context) (int64, error)
	}
	dlq interface {
		CountDLQ(ctx context.Context, tenantID string) (int64, error)
	}
}

func (b backlogSource) CountPending(ctx context.Context) (int64, error) {
	return b.outbox.CountPending(ctx)
}

func (b backlogSource) CountDLQ(ctx context.Context, tenantID string) (int64, error) {
	return b.dlq.CountDLQ(ctx, tenantID)
}

func openStore(ctx context.Context, s Settings) (store.Store, error) {
	switch s.Store {
	case "postgres":
		db, err := postgres.Connect(ctx, postgres.ConnectConfig{
			URL:           s.PGURL,
			RetryAttempts: 5,
			RetryInterval: 2 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return postgres.New(db), nil
	case "sqlite":
		db, err := sqlite.Open(ctx, s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sqlite.New(db), nil
	default:
		return memory.New(), nil
	}
}

func openBroker(s Settings, logger *slog.Logger) (broker.Broker, error) {
	switch s.Broker {
	case "kafka":
		return kafka.New(kafka.Config{Brokers: s.KafkaBrokers}, logger)
	case "amqp":
		return amqp.Dial(s.AMQPURL, logger)
	default:
		return brokermem.New(), nil
	}
}

// buildSenders registers a provider sender for every channel with
// credentials and falls back to the stub senders for the rest.
func buildSenders(s Settings) (*channel.Registry, error) {
	r := channel.NewStubRegistry()

	if s.PostmarkServerToken != "" {
		email, err := channel.NewPostmarkSender(channel.PostmarkConfig{
			ServerToken:  s.PostmarkServerToken,
			AccountToken: s.PostmarkAccountToken,
			From:         s.EmailFrom,
		})
		if err != nil {
			return nil, err
		}
		r.Register(channel.Email, email)
	}

	if s.TwilioAccountSID != "" {
		sms, err := channel.NewTwilioSender(channel.TwilioConfig{
			AccountSID: s.TwilioAccountSID,
			AuthToken:  s.TwilioAuthToken,
			From:       s.TwilioFromNumber,
		})
		if err != nil {
			return nil, err
		}
		r.Register(channel.SMS, sms)
	}

	if s.PushWebhookURL != "" {
		r.Register(channel.Push, channel.NewWebhookSender(s.PushWebhookURL, s.PushWebhookSecret, 10*time.Second))
	}

	return r, nil
}
