package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/admin"
	"github.com/nhle/mailsync/internal/classify"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/natsjs"
	"github.com/nhle/mailsync/internal/parser"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Synchronize every configured account until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
}

// loadConfig reads the configuration and builds the root logger.
func loadConfig(path string) (*model.AppConfig, zerolog.Logger, error) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func run(ctx context.Context, cfg *model.AppConfig, log zerolog.Logger) error {
	if err := sync.ValidateAccounts(cfg.Accounts); err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	sinks := ingest.Fanout{ingest.SinkFunc(st.UpsertMessage)}
	var notifier ingest.Notifier
	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pub)
		notifier = pub
		log.Info().Str("stream", cfg.NATS.Stream).Msg("publishing records to JetStream")
	}

	classifier, err := newClassifier(cfg.Classify, log)
	if err != nil {
		return err
	}
	dispatcher := ingest.NewDispatcher(ingest.DispatcherConfig{
		Workers:    cfg.Classify.Workers,
		QueueSize:  cfg.Classify.QueueSize,
		Classifier: classifier,
		Labels:     st,
		Notifier:   notifier,
		Log:        log.With().Str("component", "classify").Logger(),
	})
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- dispatcher.Run(dispatchCtx) }()

	scheduler := sync.NewScheduler(sync.SchedulerConfig{
		Cursors:             st,
		Deliveries:          st,
		Sink:                ingest.NewPipeline(sinks, dispatcher),
		Parser:              parser.New(parser.Options{MaxBodyBytes: cfg.Sync.MaxBodyBytes}),
		Lookback:            cfg.Sync.Lookback,
		BatchSize:           cfg.Sync.BatchSize,
		MaxDeliveryAttempts: cfg.Sync.MaxDeliveryAttempts,
	})
	manager := sync.NewManager(sync.ManagerConfig{
		Dialer:         email.NewIMAPClient(credential.Ring{}, cfg.Sync.CommandTimeout, log),
		Scheduler:      scheduler,
		Reconnect:      sync.ReconnectPolicy{Floor: cfg.Reconnect.Floor, Ceiling: cfg.Reconnect.Ceiling},
		ConnectTimeout: cfg.Sync.ConnectTimeout,
		PollInterval:   cfg.Sync.PollInterval,
		Log:            log,
	})

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		sync.Observe(manager.Events(), log)
	}()

	if err := manager.StartAll(ctx, cfg.Accounts); err != nil {
		_ = manager.StopAll(0)
		return err
	}

	adminErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		router := admin.NewRouter(manager, st, log.With().Str("component", "admin").Logger())
		go func() { adminErr <- admin.Serve(ctx, cfg.Metrics.Addr, router, log) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-adminErr:
		if err != nil {
			runErr = fmt.Errorf("admin server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	if err := manager.StopAll(cfg.Sync.StopTimeout); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
		runErr = errors.Join(runErr, err)
	}
	<-observed

	dispatcher.Close()
	select {
	case <-dispatchDone:
	case <-time.After(cfg.Sync.StopTimeout):
		log.Warn().Msg("classification queue not drained")
		cancelDispatch()
	}
	return runErr
}

func newClassifier(cfg model.ClassifyConfig, log zerolog.Logger) (ingest.Classifier, error) {
	if cfg.APIKey == "" {
		return classify.Heuristic{}, nil
	}
	key, err := credential.Resolve(credential.Ring{}, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolving classifier API key: %w", err)
	}
	return classify.NewLLM(key, cfg.Model, log.With().Str("component", "classify").Logger()), nil
}
