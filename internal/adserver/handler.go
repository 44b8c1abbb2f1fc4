// Package adserver serves first-party ad creatives fetched from the
// configured ad partner.
package adserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"trustedge/internal/identity"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/privacy"
	"trustedge/internal/proxy"
	"trustedge/pkg/requestcontext"
)

// maxCreativeBody caps how much of an ad partner response is buffered.
const maxCreativeBody = 1 << 20

// Callback is one post-delivery callback URL in the partner response.
type Callback struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// AdResponse is the subset of the partner creative response the gateway
// inspects. The body itself is relayed untouched.
type AdResponse struct {
	Callbacks []Callback `json:"callbacks"`
}

// Handler serves the ad-creative endpoint.
type Handler struct {
	cfg          config.AdServer
	cookieDomain string
	transport    proxy.Transport
	store        identity.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates the ad-creative handler.
func New(cfg config.AdServer, cookieDomain string, transport proxy.Transport, store identity.Store, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:          cfg,
		cookieDomain: cookieDomain,
		transport:    transport,
		store:        store,
		metrics:      m,
		logger:       logger,
	}
}

// Register registers the ad routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/ad-creative", h.handleAdRequest)
}

func (h *Handler) handleAdRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := proxy.FromContext(ctx)

	advertising := a.Consent.AllowsPersonalizedAds()
	syntheticID := identity.NonPersonalized
	if advertising && a.Identity != nil {
		syntheticID = a.Identity.ID
	}

	if a.Identity != nil {
		if _, err := h.store.Incr(ctx, identity.VisitsKey(a.Identity.ID)); err != nil {
			// Counting is best-effort; the creative still serves.
			h.logger.WarnContext(ctx, "visit counter increment failed",
				"error", err,
				"request_id", requestcontext.RequestID(ctx))
			h.metrics.StoreErrors.Inc()
		}
	}

	resp, err := h.fetchCreative(r, syntheticID, advertising, a)
	if err != nil {
		h.logger.WarnContext(ctx, "ad partner request failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		h.metrics.BackendFailures.WithLabelValues(h.cfg.Backend, "unreachable").Inc()
		h.writeEmpty(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.WarnContext(ctx, "ad partner returned non-success status",
			"status", resp.StatusCode,
			"request_id", requestcontext.RequestID(ctx))
		h.writeEmpty(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCreativeBody))
	if err != nil {
		h.writeEmpty(w)
		return
	}

	h.storeOpid(r, body, syntheticID)

	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store, private")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Expose-Headers", strings.Join([]string{
		proxy.HeaderGeoCity, proxy.HeaderGeoCountry, proxy.HeaderGeoMetroCode, proxy.HeaderGeoRegion,
	}, ", "))
	for name, values := range proxy.DerivedHeaders(a) {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if a.Identity != nil && a.Identity.Durable {
		http.SetCookie(w, privacy.SyntheticIDCookie(h.cookieDomain, a.Identity.ID))
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// fetchCreative calls the ad partner with the templated sync path. The DMA
// code rides along only for personalized requests.
func (h *Handler) fetchCreative(r *http.Request, syntheticID string, advertising bool, a proxy.Annotations) (*http.Response, error) {
	origin, ok := h.transport.Origin(h.cfg.Backend)
	if !ok {
		return nil, errors.New("ad server backend not configured")
	}

	path := strings.ReplaceAll(h.cfg.SyncPath, "{{synthetic_id}}", syntheticID)
	if advertising && a.Geo.MetroCode != "" && a.Geo.MetroCode != "unknown" {
		path += "&dma=" + url.QueryEscape(a.Geo.MetroCode)
	}

	target, err := url.Parse(origin.String() + path)
	if err != nil {
		return nil, err
	}
	outbound, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	outbound.Header.Set(proxy.HeaderConsentAdvertising, boolString(advertising))
	return h.transport.Do(r.Context(), h.cfg.Backend, outbound)
}

// storeOpid extracts the partner operation id from the impression callback
// URL and records it for the synthetic identity. Failures only log; the
// creative response never depends on the store.
func (h *Handler) storeOpid(r *http.Request, body []byte, syntheticID string) {
	if syntheticID == identity.NonPersonalized {
		return
	}

	var parsed AdResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	for _, cb := range parsed.Callbacks {
		if cb.Type != "impression" {
			continue
		}
		u, err := url.Parse(cb.URL)
		if err != nil {
			continue
		}
		opid := u.Query().Get("opid")
		if opid == "" {
			continue
		}
		if err := h.store.Put(r.Context(), identity.OpidKey(syntheticID), opid, 0); err != nil {
			h.logger.WarnContext(r.Context(), "opid store write failed",
				"error", err,
				"request_id", requestcontext.RequestID(r.Context()))
			h.metrics.StoreErrors.Inc()
		}
		return
	}
}

func (h *Handler) writeEmpty(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNoContent)
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
