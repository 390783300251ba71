// Package app wires the register service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oolio-pos/internal/api"
	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/inventory"
	"github.com/xenking/oolio-pos/internal/domain/promotion"
	"github.com/xenking/oolio-pos/internal/domain/settlement"
	"github.com/xenking/oolio-pos/pkg/health"
	"github.com/xenking/oolio-pos/pkg/httpmiddleware"
)

const stockQueueSize = 1024

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("register", cfg.Register.ID))

	pricing, err := cfg.Pricing.Parse()
	if err != nil {
		return errors.Wrap(err, "pricing config")
	}

	b, err := openBackends(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	store := cart.NewStore(pricing.Preferences)

	// Stock changes are published while the cart lock is held by a commit,
	// so they are applied from a separate goroutine.
	stock := make(chan inventory.StockChange, stockQueueSize)
	unsubscribe := b.inventory.Subscribe(func(c inventory.StockChange) {
		select {
		case stock <- c:
		default:
			lg.Warn("Stock change queue full, dropping", zap.String("stock_id", c.StockID))
		}
	})
	defer unsubscribe()

	coordinator, err := settlement.NewCoordinator(store, b.inventory, b.sales, b.ledger, settlement.Options{
		Logger:         lg.Named("settlement"),
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
		AttemptLogSize: cfg.Settlement.AttemptLogSize,
		CloseDelay:     cfg.Settlement.CloseDelay,
		OnClose: func() {
			lg.Debug("Checkout closed")
		},
	})
	if err != nil {
		return errors.Wrap(err, "create coordinator")
	}
	resolver := promotion.NewResolver(b.catalog, promotion.ResolverOptions{Logger: lg.Named("promotion")})

	healthSvc := health.New(lg.Named("health"))
	for _, c := range b.checks {
		healthSvc.Add(c)
	}
	healthSvc.Add(health.Check{Name: "goroutines", Kind: health.Liveness, Func: health.GoroutineCheck(10000)})

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.PromoLimit.Max,
		Window: cfg.PromoLimit.Window,
	})

	h := api.NewHandler(api.Config{
		VIPPercent: pricing.VIPPercent,
		PromoLimit: limiter.Middleware(),
	}, store, b.inventory, resolver, coordinator)

	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests())
	r.Get("/livez", healthSvc.LiveHandler)
	r.Get("/readyz", healthSvc.ReadyHandler)
	r.Route("/api", h.Routes)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(r,
				httpmiddleware.Recovery(),
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					Origins: cfg.CORS.Origins,
					Headers: []string{"Content-Type", httpmiddleware.RequestIDHeader},
					Expose:  []string{httpmiddleware.RequestIDHeader},
					MaxAge:  86400,
				}),
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
			),
			"pos-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthSvc.Run(gctx, cfg.Health.Interval)
	})
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	g.Go(func() error {
		forwardStock(gctx, stock, store)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// forwardStock applies queued stock changes to the cart until ctx is done.
func forwardStock(ctx context.Context, changes <-chan inventory.StockChange, store *cart.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			store.RefreshStock(c.StockID, c.Available)
		}
	}
}
