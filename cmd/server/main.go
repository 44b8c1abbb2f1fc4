// Command server runs the trustedge gateway: consent evaluation, synthetic
// identity, geo annotation and backend dispatch in front of a publisher
// origin.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trustedge/internal/adserver"
	"trustedge/internal/consent"
	"trustedge/internal/gam"
	"trustedge/internal/identity"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/httpserver"
	"trustedge/internal/platform/logger"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/platform/redis"
	"trustedge/internal/prebid"
	"trustedge/internal/privacy"
	"trustedge/internal/proxy"
	httptransport "trustedge/internal/transport/http"
)

func main() {
	configPath := flag.String("config", "trustedge.yaml", "path to the configuration file")
	flag.Parse()

	log := logger.New(slog.LevelInfo)

	// Misconfiguration is fatal before the listener opens; per-request code
	// never sees an invalid deployment.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	store, health, cleanup, err := buildStore(cfg.Store)
	if err != nil {
		log.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	engine, err := identity.NewEngine(cfg.Identity, store, m, log)
	if err != nil {
		log.Error("identity engine initialization failed", "error", err)
		os.Exit(1)
	}

	transport, err := proxy.NewTransport(cfg.Backends)
	if err != nil {
		log.Error("backend transport initialization failed", "error", err)
		os.Exit(1)
	}

	handlers := []httptransport.Registrar{
		privacy.New(cfg.Publisher.CookieDomain, store, log),
	}
	if cfg.AdServer.Backend != "" {
		handlers = append(handlers, adserver.New(cfg.AdServer, cfg.Publisher.CookieDomain, transport, store, m, log))
	}
	if cfg.Prebid.Backend != "" {
		handlers = append(handlers, prebid.New(cfg.Prebid, cfg.Publisher, transport, m, log))
	}
	if cfg.GAM.Backend != "" {
		handlers = append(handlers, gam.New(cfg.GAM, cfg.Publisher, transport, m, log))
	}
	handlers = append(handlers, proxy.NewDispatcher(proxy.NewTable(cfg.Routes), transport, m, log))

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Metrics:   m,
		Scheme:    consent.Scheme(cfg.Consent.Scheme),
		Collector: identity.NewCollector(cfg.Publisher.Domain, cfg.Identity.PubKey),
		Engine:    engine,
		Handlers:  handlers,
		Health:    health,
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	go func() {
		log.Info("trustedge listening", "addr", cfg.Server.Addr, "store", cfg.Store.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// buildStore selects the persistence collaborator. The returned health
// function backs /healthz; cleanup releases connections on exit.
func buildStore(cfg config.Store) (identity.Store, func(ctx context.Context) error, func(), error) {
	switch cfg.Kind {
	case "redis":
		client, err := redis.New(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return identity.NewRedisStore(client), client.Health, func() { _ = client.Close() }, nil
	case "postgres":
		store, err := identity.NewPostgresStore(context.Background(), cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		health := func(ctx context.Context) error {
			_, err := store.Get(ctx, "healthcheck")
			if errors.Is(err, identity.ErrNotFound) {
				return nil
			}
			return err
		}
		return store, health, store.Close, nil
	default:
		return identity.NewMemoryStore(), nil, func() {}, nil
	}
}
