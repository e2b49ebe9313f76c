package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"garageflow/auth"
	"garageflow/config"
	"garageflow/db"
	"garageflow/evidence"
	"garageflow/lifecycle"
	"garageflow/logging"
	"garageflow/migrations"
	"garageflow/notification"
	"garageflow/payment"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("garageflow api stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}

	engine := payment.NewEngine(payment.NewRepository(), payment.NewLedgerGateway(), payment.EngineConfig{
		FeeBps:        cfg.PlatformFeeBps,
		PaymentMethod: cfg.DefaultPaymentMethod,
		MaxAttempts:   cfg.PaymentMaxAttempts,
		RetryBase:     cfg.PaymentRetryBase,
	}, log.WithField("component", "payment"))

	orch := lifecycle.New(pool, lifecycle.PGStores(), engine, notification.NewOutbox(), lifecycle.Config{
		EscrowPolicy:       cfg.EscrowPolicy,
		ProposalTTL:        cfg.ScheduleProposalTTL,
		ChangeOrderTTL:     cfg.ChangeOrderTTL,
		CancelCutoff:       cfg.CancelCutoff,
		SupportRecipientID: cfg.SupportRecipientID,
	}, log.WithField("component", "lifecycle"))

	publisher, closePublisher, err := newPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	relay := notification.NewRelay(pool, publisher, notification.RelayConfig{
		Batch:       cfg.RelayBatch,
		MaxAttempts: cfg.RelayMaxAttempts,
		Interval:    cfg.RelayInterval,
	}, log.WithField("component", "relay"))

	var store *evidence.Store
	if cfg.EvidenceBucket != "" {
		store, err = evidence.NewS3Store(ctx, cfg.AWSRegion, cfg.EvidenceBucket, cfg.EvidenceURLTTL)
		if err != nil {
			return err
		}
	} else {
		log.Warn("EVIDENCE_BUCKET not set, evidence uploads disabled")
	}

	server := NewServer(auth.NewService(auth.NewRepository(pool), cfg.JWTSecret), orch, store, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return orch.RunSweeper(gctx, cfg.SweepInterval) })

	return g.Wait()
}

// newPublisher connects to RabbitMQ when configured and otherwise logs
// notifications.
func newPublisher(ctx context.Context, cfg *config.Config, log *logrus.Logger) (notification.Publisher, func(), error) {
	if cfg.RabbitMQURL == "" {
		log.Warn("RABBITMQ_URL not set, notifications are logged only")
		return notification.LogPublisher{Log: log.WithField("component", "notify")}, func() {}, nil
	}
	p, err := notification.NewAMQPPublisher(ctx, cfg.RabbitMQURL, cfg.NotifyExchange, log.WithField("component", "notify"))
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			log.WithError(err).Warn("close amqp publisher")
		}
	}, nil
}
