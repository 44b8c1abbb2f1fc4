// Package identity derives privacy-preserving synthetic identities from
// request signals under consent control.
//
// An identity is the keyed one-way transform of a template-rendered signal
// string. The master secret never touches request data directly: HKDF
// expands it into purpose-bound subkeys, one per derivation context, so a
// leak of any derived value reveals nothing about the others.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"trustedge/internal/consent"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/metrics"
	pkgerrors "trustedge/pkg/domain-errors"
	"trustedge/pkg/requestcontext"
)

// HKDF info strings binding each subkey to its single use.
const (
	subkeyInfoID     = "trustedge/identity/id/v1"
	subkeyInfoLookup = "trustedge/identity/lookup/v1"
	subkeyInfoFresh  = "trustedge/identity/fresh/v1"

	// NonPersonalized is the identity placeholder used downstream when
	// consent denies derivation.
	NonPersonalized = "non-personalized"
)

// Identity is the outcome of one derivation.
type Identity struct {
	// ID is the stable synthetic identifier.
	ID string
	// Fresh is recomputed on every request for downstream deduplication and
	// never stored.
	Fresh string
	// Durable reports whether ID is backed by the store. An ephemeral
	// identity is still usable for the current request but will not survive
	// signal rotation.
	Durable bool
	// TemplateID names the template the id was derived under, so a template
	// change is visible in stored records.
	TemplateID string
	// CreatedAt is the creation epoch of the identity value.
	CreatedAt time.Time
	// RefreshedAt is the last epoch at which the stored value was written.
	// Loading an identity never advances it.
	RefreshedAt time.Time
}

// record is the persisted form of a durable identity.
type record struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id"`
	CreatedAt   int64  `json:"created_at"`
	RefreshedAt int64  `json:"refreshed_at"`
}

func (r record) identity(fresh string, durable bool) *Identity {
	return &Identity{
		ID:          r.ID,
		Fresh:       fresh,
		Durable:     durable,
		TemplateID:  r.TemplateID,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
		RefreshedAt: time.Unix(r.RefreshedAt, 0).UTC(),
	}
}

// Engine performs consent-gated identity derivation backed by a Store.
type Engine struct {
	template   *Template
	templateID string
	lookup     []string
	ttl        time.Duration

	idKey     []byte
	lookupKey []byte
	freshKey  []byte

	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine validates the identity configuration and derives the subkeys.
// Template errors are configuration errors and must abort startup.
func NewEngine(cfg config.Identity, store Store, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	tmpl, err := ParseTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	if err := ValidateLookupSignals(tmpl, cfg.LookupSignals); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "identity secret is not set")
	}

	e := &Engine{
		template:   tmpl,
		templateID: templateID(cfg.Template),
		lookup:     cfg.LookupSignals,
		ttl:        cfg.TTL.Std(),
		store:      store,
		metrics:    m,
		logger:     logger,
	}
	for _, sub := range []struct {
		info string
		dst  *[]byte
	}{
		{subkeyInfoID, &e.idKey},
		{subkeyInfoLookup, &e.lookupKey},
		{subkeyInfoFresh, &e.freshKey},
	} {
		key := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(sub.info))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "derive identity subkey")
		}
		*sub.dst = key
	}
	return e, nil
}

// DeriveOrLoad returns the synthetic identity for the request signals, or
// nil when consent denies identity purposes. The consent gate runs before
// any cryptographic or store work.
//
// Store failures never fail the request: the identity downgrades to
// ephemeral and the caller proceeds without durability.
func (e *Engine) DeriveOrLoad(ctx context.Context, signals Signals, decision consent.Decision) *Identity {
	if !decision.AllowsIdentity() {
		return nil
	}

	now := requestcontext.Now(ctx).UTC()
	fresh := e.mac(e.freshKey, e.template.Render(signals))

	// An id the client already presents wins over derivation; continuity
	// matters more than re-checking our own math.
	if existing := signals[SignalFirstPartyID]; existing != "" {
		e.metrics.IdentitiesDerived.WithLabelValues("true").Inc()
		return &Identity{ID: existing, Fresh: fresh, Durable: true, TemplateID: e.templateID, CreatedAt: now, RefreshedAt: now}
	}

	lookupKey := e.mac(e.lookupKey, e.lookupInput(signals))
	storeKey := IdentityKey(lookupKey)

	raw, err := e.store.Get(ctx, storeKey)
	switch {
	case err == nil:
		if rec, live := e.liveRecord(raw, now); live {
			// A hit never rewrites the record, so its epochs stay put.
			e.metrics.IdentitiesDerived.WithLabelValues("true").Inc()
			return rec.identity(fresh, true)
		}
		// Undecodable or past its creation epoch: re-derive below.
	case !errors.Is(err, ErrNotFound):
		e.logger.WarnContext(ctx, "identity store read failed, serving ephemeral identity",
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		e.metrics.StoreErrors.Inc()
		e.metrics.IdentitiesDerived.WithLabelValues("false").Inc()
		return e.newRecord(signals, now).identity(fresh, false)
	}

	rec := e.newRecord(signals, now)
	encoded, err := json.Marshal(rec)
	if err == nil {
		err = e.store.Put(ctx, storeKey, string(encoded), e.ttl)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "identity store write failed, serving ephemeral identity",
			"error", err,
			"request_id", requestcontext.RequestID(ctx))
		e.metrics.StoreErrors.Inc()
		e.metrics.IdentitiesDerived.WithLabelValues("false").Inc()
		return rec.identity(fresh, false)
	}

	e.metrics.IdentitiesDerived.WithLabelValues("true").Inc()
	return rec.identity(fresh, true)
}

// liveRecord decodes a stored record and enforces the creation-epoch bound.
// The store TTL expires most records on its own; the check here covers
// records written under a longer TTL before a configuration change.
func (e *Engine) liveRecord(raw string, now time.Time) (record, bool) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.ID == "" {
		return record{}, false
	}
	if e.ttl > 0 && now.Sub(time.Unix(rec.CreatedAt, 0)) >= e.ttl {
		return record{}, false
	}
	return rec, true
}

func (e *Engine) newRecord(signals Signals, now time.Time) record {
	return record{
		ID:          e.mac(e.idKey, e.template.Render(signals)),
		TemplateID:  e.templateID,
		CreatedAt:   now.Unix(),
		RefreshedAt: now.Unix(),
	}
}

// Collector-independent derivation of the lookup input: the configured
// signal values joined in configuration order.
func (e *Engine) lookupInput(signals Signals) string {
	values := make([]string, len(e.lookup))
	for i, name := range e.lookup {
		values[i] = signals[name]
	}
	return strings.Join(values, "|")
}

func (e *Engine) mac(key []byte, input string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

// templateID fingerprints the raw template so records carry which shape of
// signal string produced them.
func templateID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// Counters exposes the engine's persistence collaborator to handlers that
// keep per-identity counters.
func (e *Engine) Counters() Store { return e.store }
