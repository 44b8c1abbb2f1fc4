package privacy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustedge/internal/identity"
	"trustedge/internal/transport/http/shared"
	pkgerrors "trustedge/pkg/domain-errors"
	"trustedge/pkg/requestcontext"
)

// HeaderSubjectID identifies the data subject on export and erasure calls.
const HeaderSubjectID = "X-Subject-ID"

// Prefs is the consent preference document stored in the prefs cookie.
type Prefs struct {
	Analytics       bool `json:"analytics"`
	Advertising     bool `json:"advertising"`
	Personalization bool `json:"personalization"`
}

// Export is the data-subject export document.
type Export struct {
	SubjectID string `json:"subject_id"`
	Visits    string `json:"visits"`
	Opid      string `json:"opid,omitempty"`
}

// Handler serves the consent preference and data-subject rights endpoints.
type Handler struct {
	cookieDomain string
	store        identity.Store
	logger       *slog.Logger
}

// New creates the privacy handler.
func New(cookieDomain string, store identity.Store, logger *slog.Logger) *Handler {
	return &Handler{cookieDomain: cookieDomain, store: store, logger: logger}
}

// Register registers the privacy routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/gdpr/consent", h.handleGetConsent)
	r.Post("/gdpr/consent", h.handleSetConsent)
	r.Get("/gdpr/data", h.handleExport)
	r.Delete("/gdpr/data", h.handleErase)
}

// handleGetConsent returns the stored preferences, defaulting to everything
// denied when no valid cookie exists.
func (h *Handler) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	shared.WriteJSON(w, http.StatusOK, prefsFromCookie(r))
}

func (h *Handler) handleSetConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var prefs Prefs
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.logger.WarnContext(ctx, "invalid consent preferences body",
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		shared.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "invalid request body"))
		return
	}

	// Cookie values cannot carry raw JSON; base64url keeps it transportable.
	raw, err := json.Marshal(prefs)
	if err != nil {
		shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode preferences"))
		return
	}
	http.SetCookie(w, ConsentPrefsCookie(h.cookieDomain, base64.RawURLEncoding.EncodeToString(raw)))
	shared.WriteJSON(w, http.StatusOK, prefs)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subject := r.Header.Get(HeaderSubjectID)
	if subject == "" {
		shared.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "missing "+HeaderSubjectID))
		return
	}

	export := Export{SubjectID: subject, Visits: "0"}

	visits, err := h.store.Get(ctx, identity.VisitsKey(subject))
	switch {
	case err == nil:
		export.Visits = visits
	case !errors.Is(err, identity.ErrNotFound):
		h.logger.ErrorContext(ctx, "data export read failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "store unavailable"))
		return
	}

	if opid, err := h.store.Get(ctx, identity.OpidKey(subject)); err == nil {
		export.Opid = opid
	} else if !errors.Is(err, identity.ErrNotFound) {
		shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "store unavailable"))
		return
	}

	shared.WriteJSON(w, http.StatusOK, export)
}

// handleErase removes every record held for the subject and expires the
// identity cookie.
func (h *Handler) handleErase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subject := r.Header.Get(HeaderSubjectID)
	if subject == "" {
		shared.WriteError(w, pkgerrors.New(pkgerrors.CodeBadRequest, "missing "+HeaderSubjectID))
		return
	}

	for _, key := range []string{identity.VisitsKey(subject), identity.OpidKey(subject)} {
		if err := h.store.Del(ctx, key); err != nil {
			h.logger.ErrorContext(ctx, "data erasure failed",
				"error", err,
				"request_id", requestcontext.RequestID(ctx))
			shared.WriteError(w, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "store unavailable"))
			return
		}
	}

	expired := SyntheticIDCookie(h.cookieDomain, "")
	expired.MaxAge = -1
	http.SetCookie(w, expired)

	w.WriteHeader(http.StatusNoContent)
}

func prefsFromCookie(r *http.Request) Prefs {
	cookie, err := r.Cookie(CookieConsentPrefs)
	if err != nil {
		return Prefs{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return Prefs{}
	}
	var prefs Prefs
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return Prefs{}
	}
	return prefs
}
