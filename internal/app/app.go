package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/domain/risk"
	"github.com/xenking/payledger/internal/effects"
	"github.com/xenking/payledger/internal/events"
	"github.com/xenking/payledger/internal/handler"
	"github.com/xenking/payledger/internal/notify"
	"github.com/xenking/payledger/internal/reconcile"
	"github.com/xenking/payledger/internal/transfer"
	"github.com/xenking/payledger/internal/webhook"
	"github.com/xenking/payledger/pkg/health"
	"github.com/xenking/payledger/pkg/httpmiddleware"
)

// Transferer pays out withdrawals and pushes seller shares to connected
// accounts.
type Transferer interface {
	payout.Transferer
	transfer.AccountTransferer
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("environment", cfg.Environment),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", cfg.Redis.URL != ""),
	)

	verifiers, err := webhook.NewVerifiers(webhook.Secrets{
		Card: cfg.Webhook.CardSecret,
		PixA: cfg.Webhook.PixASecret,
		PixB: cfg.Webhook.PixBSecret,
	}, webhook.CardConfig{Tolerance: cfg.Webhook.Tolerance}, cfg.Production())
	if err != nil {
		return errors.Wrap(err, "webhook verifiers")
	}

	fees, err := cfg.Commission.Table()
	if err != nil {
		return errors.Wrap(err, "commission table")
	}

	// Storage + migrations.
	st, err := OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Health check service.
	healthSvc := health.New()
	for name, p := range st.Pingers {
		healthSvc.AddReadinessCheck(name, 5*time.Second, health.PingCheck(p))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Outbound collaborators.
	publisher, closePublisher, err := newPublisher(cfg, healthSvc)
	if err != nil {
		return err
	}
	defer closePublisher()

	var sender notify.Sender = notify.LogSender{}
	if cfg.Email.BaseURL != "" {
		sender = notify.NewHTTPSender(notify.HTTPConfig{
			BaseURL: cfg.Email.BaseURL,
			APIKey:  cfg.Email.APIKey,
			From:    cfg.Email.From,
		})
	}

	var xfer Transferer = transfer.Sandbox{}
	if cfg.Transfer.BaseURL != "" {
		xfer = transfer.NewClient(transfer.Config{
			BaseURL:       cfg.Transfer.BaseURL,
			APIKey:        cfg.Transfer.APIKey,
			Timeout:       cfg.Transfer.Timeout,
			RatePerSecond: cfg.Transfer.RatePerSecond,
			Burst:         cfg.Transfer.Burst,
		})
	} else {
		lg.Warn("Transfer API not configured, using sandbox")
	}

	clients, err := statusClients(cfg.Providers)
	if err != nil {
		return err
	}
	if _, ok := clients[order.ProviderPixA]; !ok {
		lg.Warn("PIX gateway A access token not configured, its notifications will be rejected")
	}

	// Domain services.
	processor := order.NewProcessor(st.Orders)
	dispatcher := effects.NewDispatcher(map[order.EffectKind]effects.Handler{
		order.EffectAccessEmail:    effects.AccessEmail(sender, cfg.Email.Template),
		order.EffectPayoutEligible: effects.Publish(publisher, events.TopicPayoutEligible, time.Now),
		order.EffectPlanActivation: effects.Publish(publisher, events.TopicPlanActivate, time.Now),
		order.EffectSellerTransfer: effects.SellerTransfer(xfer, processor),
	}, processor, effects.DefaultConfig())

	reconciler, err := reconcile.NewService(reconcile.Params{
		Verifiers:      verifiers,
		Guard:          idempotency.NewGuard(st.Keys, cfg.Idempotency.TTL),
		Processor:      processor,
		Orders:         st.Orders,
		Clients:        clients,
		Dispatcher:     dispatcher,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}

	blacklist := risk.NewCachedBlacklist(st.Blacklist, cfg.Risk.Blacklist())
	if path := cfg.Risk.BlacklistSnapshot; path != "" {
		n, err := ImportSnapshot(ctx, path, blacklist)
		if err != nil {
			return errors.Wrap(err, "import blacklist snapshot")
		}
		lg.Info("Blacklist snapshot imported", zap.String("path", path), zap.Int("entries", n))
	} else if err := blacklist.Refresh(ctx); err != nil {
		lg.Warn("Initial blacklist refresh failed", zap.Error(err))
	}
	healthSvc.AddReadinessCheck("blacklist", time.Second,
		health.StalenessCheck(blacklist.RefreshedAt, cfg.Risk.BlacklistMaxStaleness),
		health.NonCritical(),
	)

	scorer := risk.NewScorer(cfg.Risk.Scorer(), st.Counter, blacklist)
	orderService := order.NewService(st.Orders, st.Sellers, scorer, fees)
	ledger := payout.NewLedger(st.Payouts, st.Tx, xfer, events.NewPayoutObserver(publisher), cfg.Payout.Ledger())

	// Background workers.
	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error { return blacklist.Run(workerCtx) })
	workers.Go(func() error { return st.PurgeExpired(workerCtx, cfg.Idempotency.PurgeInterval) })

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := handler.New(
		handler.Config{
			WebhookDeadline: cfg.Webhook.Deadline,
			WebhookLimit: httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.WebhookMax,
				Window:  cfg.RateLimit.WebhookWindow,
				Prefix:  "webhook:",
				Counter: st.Counter,
			}),
			APILimit: httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
		},
		orderService,
		orderService,
		reconciler,
		ledger,
		handler.NewAuthenticator(handler.AuthConfig{
			Secret: []byte(cfg.Auth.JWTSecret),
			Issuer: cfg.Auth.Issuer,
			Leeway: cfg.Auth.Leeway,
		}),
	)

	// Router: health endpoints + API routes on one server.
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Mount(router)
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("payledger", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		if err := dispatcher.Wait(shutdownCtx); err != nil {
			lg.Warn("Side effects still running at shutdown", zap.Error(err))
		}
		if err := workers.Wait(); err != nil {
			lg.Error("Background worker error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newPublisher connects Kafka when brokers are configured and registers its
// health check. Without brokers events are logged.
func newPublisher(cfg *Config, healthSvc *health.Health) (events.Publisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.LogPublisher{}, func() {}, nil
	}
	pub, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		Timeout:  cfg.Kafka.Timeout,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect kafka")
	}
	// Publishing is retried by the effect dispatcher.
	healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.PingCheck(pub),
		health.NonCritical(),
		health.WithThresholds(3, 1),
	)
	return pub, func() { _ = pub.Close() }, nil
}

// statusClients builds the provider status clients that have credentials.
func statusClients(cfg ProvidersConfig) (map[order.Provider]reconcile.StatusClient, error) {
	clients := make(map[order.Provider]reconcile.StatusClient)
	if cfg.CardToken != "" {
		clients[order.ProviderCard] = reconcile.NewCardStatusClient(reconcile.HTTPClientConfig{
			BaseURL: cfg.CardAPIURL,
			Token:   cfg.CardToken,
			Timeout: cfg.PollTimeout,
		})
	}
	if cfg.PixAToken != "" {
		c, err := reconcile.NewPixAStatusClient(cfg.PixAToken)
		if err != nil {
			return nil, errors.Wrap(err, "pix_a status client")
		}
		clients[order.ProviderPixA] = c
	}
	if cfg.PixBAPIURL != "" {
		clients[order.ProviderPixB] = reconcile.NewPixBStatusClient(reconcile.HTTPClientConfig{
			BaseURL: cfg.PixBAPIURL,
			Token:   cfg.PixBToken,
			Timeout: cfg.PollTimeout,
		})
	}
	return clients, nil
}

// ImportSnapshot loads a gzip blacklist snapshot file into the store behind
// bl and rebuilds its filter.
func ImportSnapshot(ctx context.Context, path string, bl *risk.CachedBlacklist) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open snapshot")
	}
	defer func() { _ = f.Close() }()

	const batchSize = 500
	var (
		batch []risk.Entry
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := bl.Add(ctx, batch...); err != nil {
			return errors.Wrap(err, "add entries")
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}
	if err := risk.ReadSnapshot(ctx, f, func(e risk.Entry) error {
		batch = append(batch, e)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}); err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	if err := bl.Refresh(ctx); err != nil {
		return total, errors.Wrap(err, "refresh blacklist")
	}
	return total, nil
}
