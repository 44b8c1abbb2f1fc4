package prebid

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"trustedge/internal/identity"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/proxy"
	"trustedge/internal/transport/http/shared"
	pkgerrors "trustedge/pkg/domain-errors"
	"trustedge/pkg/requestcontext"
)

const (
	auctionPath = "/openrtb2/auction"

	// maxBidBody caps how much of a bid response is buffered per ad unit.
	maxBidBody = 1 << 20

	bidFloor    = 0.01
	bidFloorCur = "USD"
	tmaxMillis  = 1000
)

// AuctionResponse maps ad unit names to their raw bid responses. Units whose
// auction failed are present with a null value so the client sees the full
// placement list.
type AuctionResponse struct {
	Bids map[string]json.RawMessage `json:"bids"`
}

// Handler serves the auction endpoint.
type Handler struct {
	cfg       config.Prebid
	publisher config.Publisher
	transport proxy.Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates the auction handler.
func New(cfg config.Prebid, publisher config.Publisher, transport proxy.Transport, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		publisher: publisher,
		transport: transport,
		metrics:   m,
		logger:    logger,
	}
}

// Register registers the auction routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/auction", h.handleAuction)
}

// handleAuction fans one bid request per configured ad unit out to the
// Prebid backend concurrently and collects the raw responses. Individual
// unit failures degrade to null bids; only a total failure is an error.
func (h *Handler) handleAuction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := proxy.FromContext(ctx)

	if len(h.cfg.AdUnits) == 0 {
		shared.WriteError(w, pkgerrors.New(pkgerrors.CodeNotFound, "no ad units configured"))
		return
	}

	domain := h.resolveDomain(r)

	var (
		mu   sync.Mutex
		bids = make(map[string]json.RawMessage, len(h.cfg.AdUnits))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, unit := range h.cfg.AdUnits {
		g.Go(func() error {
			body, err := h.runAuction(r.WithContext(gctx), unit, domain, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.WarnContext(ctx, "ad unit auction failed",
					"unit", unit.Name,
					"error", err,
					"request_id", requestcontext.RequestID(ctx))
				h.metrics.BackendFailures.WithLabelValues(h.cfg.Backend, "unreachable").Inc()
				bids[unit.Name] = nil
				return nil
			}
			bids[unit.Name] = body
			return nil
		})
	}
	_ = g.Wait()

	allFailed := true
	for _, b := range bids {
		if b != nil {
			allFailed = false
			break
		}
	}
	if allFailed {
		shared.WriteError(w, pkgerrors.New(pkgerrors.CodeBadGateway, "all ad unit auctions failed"))
		return
	}

	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	if a.Identity != nil {
		if a.Identity.Durable {
			header.Set(identity.HeaderSyntheticID, a.Identity.ID)
		}
		header.Set(proxy.HeaderSyntheticFresh, a.Identity.Fresh)
	}
	shared.WriteJSON(w, http.StatusOK, AuctionResponse{Bids: bids})
}

func (h *Handler) runAuction(r *http.Request, unit config.AdUnit, domain string, a proxy.Annotations) (json.RawMessage, error) {
	origin, ok := h.transport.Origin(h.cfg.Backend)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "prebid backend not configured")
	}

	bidReq := h.buildBidRequest(unit, domain, a)
	payload, err := json.Marshal(bidReq)
	if err != nil {
		return nil, err
	}

	outbound, err := http.NewRequestWithContext(r.Context(), http.MethodPost, origin.String()+auctionPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	outbound.Header.Set("Content-Type", "application/json")
	outbound.Header.Set("Origin", "https://"+domain)
	if ip := requestcontext.ClientIP(r.Context()); ip != "" {
		outbound.Header.Set("X-Forwarded-For", ip)
	}
	if a.Identity != nil {
		if a.Identity.Durable {
			outbound.Header.Set(identity.HeaderSyntheticID, a.Identity.ID)
		}
		outbound.Header.Set(proxy.HeaderSyntheticFresh, a.Identity.Fresh)
	}

	resp, err := h.transport.Do(r.Context(), h.cfg.Backend, outbound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, pkgerrors.Newf(pkgerrors.CodeBadGateway, "prebid backend status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBidBody))
}

// buildBidRequest assembles the OpenRTB request for one ad unit. Identity
// enters user.ext.eids only when consent allowed derivation; the TC string
// is relayed into user.ext.consent without reinterpretation.
func (h *Handler) buildBidRequest(unit config.AdUnit, domain string, a proxy.Annotations) BidRequest {
	req := BidRequest{
		ID: unit.Name,
		Imp: []Imp{{
			ID:          unit.Name,
			Banner:      Banner{Format: []Format{{W: unit.Width, H: unit.Height}}},
			BidFloor:    bidFloor,
			BidFloorCur: bidFloorCur,
		}},
		Site: Site{Domain: domain, Page: "https://" + domain},
		TMax: tmaxMillis,
		AT:   1,
	}

	if a.Consent.GDPRApplies {
		req.Regs.Ext.GDPR = 1
	}

	ext := &UserExt{Consent: a.Consent.TCString}
	if a.Identity != nil {
		// An ephemeral id is not a durable eid; only the fresh id goes out
		// when the store could not back the identity.
		if a.Identity.Durable {
			ext.EIDs = append(ext.EIDs, EID{
				Source: domain,
				UIDs: []UID{{
					ID:    a.Identity.ID,
					AType: 1,
					Ext:   map[string]string{"type": "durable"},
				}},
			})
		}
		ext.EIDs = append(ext.EIDs, EID{
			Source: domain,
			UIDs: []UID{{
				ID:    a.Identity.Fresh,
				AType: 1,
				Ext:   map[string]string{"type": "fresh"},
			}},
		})
	}
	if ext.Consent != "" || len(ext.EIDs) > 0 {
		req.User.Ext = ext
	}
	return req
}

// resolveDomain picks the page domain: Referer host first, then Origin
// host, then the configured publisher domain.
func (h *Handler) resolveDomain(r *http.Request) string {
	for _, raw := range []string{r.Header.Get("Referer"), r.Header.Get("Origin")} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		return u.Hostname()
	}
	return h.publisher.Domain
}
