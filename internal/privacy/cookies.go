// Package privacy implements data-subject rights endpoints and the
// first-party cookies the gateway writes.
package privacy

import (
	"net/http"
	"time"

	"trustedge/internal/identity"
)

// CookieConsentPrefs holds the serialized consent preference document.
const CookieConsentPrefs = "gdpr_consent"

const cookieMaxAge = int(365 * 24 * time.Hour / time.Second)

// SyntheticIDCookie builds the first-party cookie carrying a durable
// synthetic identity back to the client.
func SyntheticIDCookie(cookieDomain, id string) *http.Cookie {
	return &http.Cookie{
		Name:     identity.CookieSyntheticID,
		Value:    id,
		Domain:   cookieDomain,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ConsentPrefsCookie builds the cookie holding the consent preference JSON.
// Not HttpOnly: the consent UI reads it client-side.
func ConsentPrefsCookie(cookieDomain, value string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieConsentPrefs,
		Value:    value,
		Domain:   cookieDomain,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
