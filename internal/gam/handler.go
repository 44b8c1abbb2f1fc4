// Package gam builds server-side Google Ad Manager requests, carrying the
// synthetic identity where the browser tag would carry a third-party cookie.
package gam

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trustedge/internal/identity"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/proxy"
	"trustedge/internal/transport/http/shared"
	pkgerrors "trustedge/pkg/domain-errors"
	"trustedge/pkg/requestcontext"
)

const (
	adsPath = "/gampad/ads"

	// maxAdBody caps how much of a GAM response is buffered.
	maxAdBody = 1 << 20

	// outputFormat selects GAM's line-delimited JSON-HTML response, the
	// format its own tag requests.
	outputFormat = "ldjh"
)

// HeaderCorrelator carries the per-request GAM correlator back to the client.
const HeaderCorrelator = "X-Correlator"

// Handler serves the GAM ad-request endpoint.
type Handler struct {
	cfg       config.GAM
	publisher config.Publisher
	transport proxy.Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates the GAM handler.
func New(cfg config.GAM, publisher config.Publisher, transport proxy.Transport, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		publisher: publisher,
		transport: transport,
		metrics:   m,
		logger:    logger,
	}
}

// Register registers the GAM routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/gam/ad", h.handleAdRequest)
}

// handleAdRequest builds one GAM ad request for the configured ad units and
// relays the response. Unlike the creative endpoint there is no
// non-personalized fallback: GAM requests without advertising consent are
// answered locally and never reach the backend.
func (h *Handler) handleAdRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := proxy.FromContext(ctx)

	if !a.Consent.AllowsPersonalizedAds() {
		shared.WriteJSON(w, http.StatusOK, map[string]string{"error": "advertising consent required"})
		return
	}

	correlator := uuid.New().String()
	outbound, err := h.buildAdRequest(r, correlator, a)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	resp, err := h.transport.Do(ctx, h.cfg.Backend, outbound)
	if err != nil {
		h.logger.WarnContext(ctx, "gam backend request failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		h.metrics.BackendFailures.WithLabelValues(h.cfg.Backend, "unreachable").Inc()
		shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeBadGateway, "gam backend unreachable"))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAdBody))
	if err != nil {
		shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeBadGateway, "gam response read"))
		return
	}

	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store, private")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set(HeaderCorrelator, correlator)
	if a.Identity != nil {
		if a.Identity.Durable {
			header.Set(identity.HeaderSyntheticID, a.Identity.ID)
		}
		header.Set(proxy.HeaderSyntheticFresh, a.Identity.Fresh)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// buildAdRequest assembles the outbound GAM request in the query shape the
// browser tag produces, with puid carrying the synthetic id.
func (h *Handler) buildAdRequest(r *http.Request, correlator string, a proxy.Annotations) (*http.Request, error) {
	origin, ok := h.transport.Origin(h.cfg.Backend)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "gam backend not configured")
	}

	page := h.pageURL(r)
	syntheticID := identity.NonPersonalized
	if a.Identity != nil {
		syntheticID = a.Identity.ID
	}

	q := url.Values{}
	q.Set("gdfp_req", "1")
	q.Set("output", outputFormat)
	q.Set("impl", "fifs")
	q.Set("correlator", correlator)
	q.Set("iu_parts", strings.Join(append([]string{h.cfg.PublisherID}, h.cfg.AdUnits...), ","))
	q.Set("url", page)
	q.Set("dt", strconv.FormatInt(requestcontext.Now(r.Context()).UnixMilli(), 10))
	q.Set("cust_params", "puid="+syntheticID)

	outbound, err := http.NewRequestWithContext(r.Context(), http.MethodGet, origin.String()+adsPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "build gam request")
	}

	if ua := r.Header.Get("User-Agent"); ua != "" {
		outbound.Header.Set("User-Agent", ua)
	}
	outbound.Header.Set("Accept", "application/json, text/plain, */*")
	if al := r.Header.Get("Accept-Language"); al != "" {
		outbound.Header.Set("Accept-Language", al)
	}
	outbound.Header.Set("Referer", page)
	if a.Identity != nil && a.Identity.Durable {
		outbound.Header.Set(identity.HeaderSyntheticID, a.Identity.ID)
	}
	return outbound, nil
}

// pageURL resolves the page the ad request is for: the Referer when it
// parses, otherwise the configured publisher root.
func (h *Handler) pageURL(r *http.Request) string {
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			return ref
		}
	}
	return "https://" + h.publisher.Domain + "/"
}
