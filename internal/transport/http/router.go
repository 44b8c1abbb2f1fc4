// Package httptransport wires every public endpoint onto the chi router and
// runs the per-request enrichment pipeline.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustedge/internal/consent"
	"trustedge/internal/geo"
	"trustedge/internal/identity"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/platform/middleware"
	"trustedge/internal/proxy"
	"trustedge/internal/transport/http/shared"
	pkgerrors "trustedge/pkg/domain-errors"
)

// Registrar is anything that mounts routes on the router. All feature
// handlers implement it.
type Registrar interface {
	Register(r chi.Router)
}

// Deps are the collaborators the router composes.
type Deps struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Scheme    consent.Scheme
	Collector *identity.Collector
	Engine    *identity.Engine

	// Handlers, in mount order. Nil entries are skipped so optional
	// features (ad server, prebid) can be left unconfigured.
	Handlers []Registrar

	// Health reports whether the persistence collaborator is reachable.
	Health func(ctx context.Context) error
}

// NewRouter assembles the middleware chain and mounts every endpoint.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(Enrich(deps.Scheme, deps.Collector, deps.Engine, deps.Metrics))

	r.Get("/healthz", healthHandler(deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, h := range deps.Handlers {
		if h != nil {
			h.Register(r)
		}
	}
	return r
}

// Enrich computes the per-request derivation outputs once: consent decision,
// geo signals, and (when permitted) the synthetic identity. Handlers read
// them from the request context and never re-derive.
func Enrich(scheme consent.Scheme, collector *identity.Collector, engine *identity.Engine, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			decision := consent.FromRequest(r, scheme)
			m.ConsentDecisions.WithLabelValues(string(scheme), boolLabel(decision.AllowsIdentity())).Inc()

			a := proxy.Annotations{
				Geo:     geo.Extract(r.Header),
				Consent: decision,
			}
			if engine != nil {
				a.Identity = engine.DeriveOrLoad(ctx, collector.Collect(r), decision)
			}

			next.ServeHTTP(w, r.WithContext(proxy.WithAnnotations(ctx, a)))
		})
	}
}

func healthHandler(health func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "store unreachable"))
				return
			}
		}
		shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
