package consent

import "net/http"

// Token carriers, in priority order. The header is what the edge host
// forwards; the cookie is the CMP-written fallback.
const (
	HeaderConsentString = "X-Consent-String"
	CookieTCF           = "euconsent-v2"
	HeaderUSPrivacy     = "X-Us-Privacy"
	CookieUSPrivacy     = "usprivacy"
)

// Evaluate decodes a raw consent token under the given scheme. It is a pure
// function and never fails: absent, malformed, or unsupported-version tokens
// all yield the empty grant set.
func Evaluate(rawToken string, scheme Scheme) Decision {
	if rawToken == "" {
		return Decision{Scheme: scheme}
	}

	var (
		d   Decision
		err error
	)
	switch scheme {
	case SchemeUSPrivacy:
		d, err = decodeUSPrivacy(rawToken)
	default:
		d, err = decodeTCString(rawToken)
	}
	if err != nil {
		return Decision{Scheme: scheme}
	}
	return d
}

// TokenFromRequest extracts the raw consent token for the scheme from the
// request, header first, then cookie. An empty result is a valid input to
// Evaluate meaning "no consent".
func TokenFromRequest(r *http.Request, scheme Scheme) string {
	headerName, cookieName := HeaderConsentString, CookieTCF
	if scheme == SchemeUSPrivacy {
		headerName, cookieName = HeaderUSPrivacy, CookieUSPrivacy
	}
	if v := r.Header.Get(headerName); v != "" {
		return v
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// FromRequest evaluates the consent token carried by the request.
func FromRequest(r *http.Request, scheme Scheme) Decision {
	return Evaluate(TokenFromRequest(r, scheme), scheme)
}
