package identity

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mssola/useragent"

	"trustedge/pkg/requestcontext"
)

// Carriers of an existing synthetic identity and of the publisher-signed
// first-party user token.
const (
	HeaderSyntheticID  = "X-Synthetic-Trusted-Server"
	CookieSyntheticID  = "synthetic_id"
	HeaderPubUserToken = "X-Pub-User-Token"

	// anonymousUser is the auth_user_id value when no valid publisher token
	// accompanies the request.
	anonymousUser = "anonymous"
)

// Signals are the per-request inputs to identity derivation, keyed by
// signal name.
type Signals map[string]string

// Collector extracts derivation signals from inbound requests.
type Collector struct {
	domain string
	// pubKey verifies publisher-signed user tokens; empty disables the
	// auth_user_id signal entirely.
	pubKey []byte
}

// NewCollector creates a signal collector for the publisher domain.
func NewCollector(domain, pubKey string) *Collector {
	c := &Collector{domain: domain}
	if pubKey != "" {
		c.pubKey = []byte(pubKey)
	}
	return c
}

// Collect gathers every known signal from the request. Client IP and request
// time come from the request context so middleware stays the single source
// of truth for both.
func (c *Collector) Collect(r *http.Request) Signals {
	ctx := r.Context()
	ua := r.Header.Get("User-Agent")

	return Signals{
		SignalClientIP:       requestcontext.ClientIP(ctx),
		SignalUserAgent:      ua,
		SignalUAFamily:       uaFamily(ua),
		SignalDomain:         c.domain,
		SignalAcceptLanguage: r.Header.Get("Accept-Language"),
		SignalDayBucket:      requestcontext.Now(ctx).UTC().Format("2006-01-02"),
		SignalFirstPartyID:   existingID(r),
		SignalAuthUserID:     c.authUserID(r),
	}
}

// existingID returns an identity the client already carries, header first
// then cookie, so repeat requests keep a stable id without a store lookup.
func existingID(r *http.Request) string {
	if v := r.Header.Get(HeaderSyntheticID); v != "" {
		return v
	}
	if cookie, err := r.Cookie(CookieSyntheticID); err == nil {
		return cookie.Value
	}
	return ""
}

// uaFamily normalizes a User-Agent to "browser/major" so identities survive
// patch-level browser updates.
func uaFamily(raw string) string {
	if raw == "" {
		return "unknown"
	}
	parsed := useragent.New(raw)
	name, version := parsed.Browser()
	if name == "" {
		return "unknown"
	}
	major, _, _ := strings.Cut(version, ".")
	if major == "" {
		return strings.ToLower(name)
	}
	return strings.ToLower(name) + "/" + major
}

// authUserID validates a publisher-signed user token and returns its
// subject. Any failure, or an unconfigured verification key, degrades to
// the anonymous value rather than rejecting the request.
func (c *Collector) authUserID(r *http.Request) string {
	if len(c.pubKey) == 0 {
		return anonymousUser
	}
	raw := r.Header.Get(HeaderPubUserToken)
	if raw == "" {
		return anonymousUser
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return c.pubKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return anonymousUser
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return anonymousUser
	}
	return subject
}
