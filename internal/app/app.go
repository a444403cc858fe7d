package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/content"
	"github.com/foxzi/cadence/internal/delivery"
	"github.com/foxzi/cadence/internal/dispatch"
	"github.com/foxzi/cadence/internal/engagement"
	"github.com/foxzi/cadence/internal/ipfilter"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/performance"
	"github.com/foxzi/cadence/internal/ratelimit"
	"github.com/foxzi/cadence/internal/refine"
	"github.com/foxzi/cadence/internal/scheduler"
	"github.com/foxzi/cadence/internal/segment"
	"github.com/foxzi/cadence/internal/storage"
)

// shutdownGrace is used when no shutdown timeout is configured
const shutdownGrace = 30 * time.Second

// App is the main application
type App struct {
	config           *config.Config
	storage          *storage.BoltStorage
	directory        *contacts.Directory
	scheduler        *scheduler.Scheduler
	limiter          *ratelimit.Limiter
	apiServer        *api.Server
	inboundServer    *engagement.InboundServer
	kafkaConsumer    *engagement.KafkaConsumer
	metricsServer    *metrics.Server
	metricsCollector *metrics.Collector
	logger           *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := storage.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	directory, err := contacts.Open(cfg.Contacts.Path)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open contact directory: %w", err)
	}

	a := &App{
		config:    cfg,
		storage:   store,
		directory: directory,
		logger:    logger,
	}
	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// build wires the engine components together
func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
		a.metricsCollector = metrics.NewCollector(m, a.storage, cfg.Storage.Path, cfg.Metrics.CollectInterval)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	machine := campaign.NewMachine(a.storage, logger.With("component", "campaign"))

	templates, err := content.LoadTemplates(cfg.Templates.Dir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	generator := newGenerator(cfg.Generator)
	drafts := content.NewService(a.storage, templates, generator, logger.With("component", "content"))
	logger.Info("content service ready", "templates", len(templates.Names()), "generator", cfg.Generator.Type)

	sender, err := newSender(cfg, logger.With("component", "delivery"))
	if err != nil {
		return err
	}

	var tracker *engagement.Tracker
	var dispatchTracker dispatch.Tracker
	if cfg.Tracking.Secret != "" {
		tracker = engagement.NewTracker(cfg.Tracking.Secret, cfg.Tracking.BaseURL, cfg.Inbound.Domain)
		dispatchTracker = tracker
	}

	coordinator := dispatch.NewCoordinator(a.storage, a.directory, sender, dispatchTracker, dispatch.Config{
		From:        cfg.Dispatch.From,
		FromName:    cfg.Dispatch.FromName,
		Concurrency: cfg.Dispatch.Concurrency,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, logger.With("component", "dispatch"))

	if quotas := newQuotaConfig(cfg.Dispatch.RateLimits); quotas.Enabled() {
		limiter, err := ratelimit.New(a.storage.DB(), quotas)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.limiter = limiter
		coordinator.SetLimiter(limiter)
		logger.Info("send quotas enabled",
			"global_per_hour", quotas.Global.PerHour,
			"campaign_per_hour", quotas.Campaign.PerHour,
			"recipient_domain_per_hour", quotas.RecipientDomain.PerHour,
		)
	}

	baseline := cfg.Refinement.DefaultBaseline
	aggregator := performance.NewAggregator(a.storage, cfg.Refinement.BaselineWindow, campaign.Rates{
		Open:  baseline.Open,
		Click: baseline.Click,
		Reply: baseline.Reply,
	})

	a.scheduler = scheduler.New(a.storage, machine, coordinator, aggregator, scheduler.Config{
		TickInterval:     cfg.Scheduler.TickInterval,
		SettlementWindow: cfg.Scheduler.SettlementWindow,
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		RetryInterval:    cfg.Scheduler.RetryInterval,
		MaxBackoff:       cfg.Scheduler.MaxBackoff,
		LeaseDuration:    cfg.Scheduler.LeaseDuration,
		Workers:          cfg.Scheduler.Workers,
		BatchSize:        cfg.Scheduler.BatchSize,
	}, logger.With("component", "scheduler"))

	trigger := refine.NewTrigger(a.storage, aggregator, generator, cfg.Refinement.Margin, logger.With("component", "refine"))
	a.scheduler.OnSettled(func(ctx context.Context, ev campaign.StageSettled) {
		if _, err := trigger.HandleSettled(ctx, ev); err != nil {
			logger.Error("refinement failed", "campaign_id", ev.Key.CampaignID, "stage", ev.Key.Stage, "error", err)
		}
	})

	ingestor := engagement.NewIngestor(a.storage, a.directory, segment.New(nil), logger.With("component", "engagement"))

	var tracking *engagement.TrackingHandler
	if tracker != nil && cfg.Tracking.BaseURL != "" {
		tracking = engagement.NewTrackingHandler(tracker, ingestor, logger.With("component", "tracking"))
	}

	a.apiServer = api.NewServer(api.Services{
		Store:    a.storage,
		Machine:  machine,
		Content:  drafts,
		Reporter: aggregator,
		Contacts: a.directory,
		Events:   ingestor,
		Tracking: tracking,
	}, &cfg.API, logger.With("component", "api"))

	if cfg.Inbound.Enabled {
		inboundLogger := logger.With("component", "inbound")
		a.inboundServer = engagement.NewInboundServer(engagement.InboundConfig{
			Addr:            cfg.Inbound.ListenAddr,
			Domain:          cfg.Inbound.Domain,
			MaxMessageBytes: cfg.Inbound.MaxMessageBytes,
			ReadTimeout:     cfg.Inbound.ReadTimeout,
			WriteTimeout:    cfg.Inbound.WriteTimeout,
			Users:           cfg.Inbound.Users,
		}, tracker, ingestor, ipfilter.New(cfg.Inbound.AllowedIPs, inboundLogger), inboundLogger)
	}

	if cfg.Kafka.Enabled {
		a.kafkaConsumer = engagement.NewKafkaConsumer(engagement.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, ingestor, tracker, logger.With("component", "kafka"))
	}

	return nil
}

func newQuotaConfig(cfg config.RateLimitConfig) ratelimit.Config {
	limits := func(q config.QuotaConfig) ratelimit.Limits {
		return ratelimit.Limits{PerHour: q.PerHour, PerDay: q.PerDay}
	}
	return ratelimit.Config{
		Global:          limits(cfg.Global),
		Campaign:        limits(cfg.Campaign),
		RecipientDomain: limits(cfg.RecipientDomain),
		FlushInterval:   cfg.FlushInterval,
	}
}

// newGenerator returns the configured content generator, or nil
func newGenerator(cfg config.GeneratorConfig) content.Generator {
	switch cfg.Type {
	case config.GeneratorHTTP:
		return content.NewHTTPGenerator(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	case config.GeneratorOpenAI:
		return content.NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model)
	}
	return nil
}

// newSender returns the delivery adapter for the configured mode
func newSender(cfg *config.Config, logger *slog.Logger) (delivery.Sender, error) {
	if cfg.Delivery.Mode == config.DeliveryLog {
		logger.Warn("delivery in log mode, no mail will leave this host")
		return delivery.NewLogSender(logger), nil
	}

	smtpCfg := cfg.Delivery.SMTP
	sender := delivery.NewSMTPSender(delivery.SMTPConfig{
		Addr:               smtpCfg.Addr,
		Hostname:           cfg.Server.Hostname,
		Username:           smtpCfg.Username,
		Password:           smtpCfg.Password,
		TLS:                smtpCfg.TLS,
		InsecureSkipVerify: smtpCfg.InsecureSkipVerify,
		Timeout:            smtpCfg.Timeout,
	}, logger)

	if dkimCfg := cfg.Delivery.DKIM; dkimCfg.Enabled {
		signer, err := delivery.LoadDKIMSigner(dkimCfg.KeyFile, dkimCfg.Domain, dkimCfg.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		sender.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", dkimCfg.Domain, "selector", dkimCfg.Selector)
	}

	return sender, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"delivery", a.config.Delivery.Mode,
	}
	if a.inboundServer != nil {
		logAttrs = append(logAttrs, "inbound_addr", a.config.Inbound.ListenAddr)
	}
	a.logger.Info("starting cadence", logAttrs...)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Channel to collect errors
	errCh := make(chan error, 4)

	if a.metricsServer != nil {
		a.metricsCollector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.scheduler.Start(ctx)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.inboundServer != nil {
		go func() {
			if err := a.inboundServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("inbound server: %w", err)
			}
		}()
	}

	kafkaDone := make(chan struct{})
	if a.kafkaConsumer != nil {
		go func() {
			defer close(kafkaDone)
			if err := a.kafkaConsumer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	} else {
		close(kafkaDone)
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
	}
	cancel()
	<-kafkaDone

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = shutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Stop claiming new work first
	a.scheduler.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.inboundServer != nil {
		if err := a.inboundServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("inbound server shutdown error", "error", err)
		}
	}

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", "error", err)
		}
	}

	if a.metricsServer != nil {
		a.metricsCollector.Stop()
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases the storage handles
func (a *App) close() {
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("rate limiter flush error", "error", err)
		}
	}
	if err := a.directory.Close(); err != nil {
		a.logger.Error("contact directory close error", "error", err)
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
