package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"trustedge/internal/geo"
	"trustedge/internal/identity"
)

// Derived headers added to forwarded requests. They are namespaced so a
// client-supplied header of the same name always wins.
const (
	HeaderGeoCountry         = "X-Geo-Country"
	HeaderGeoRegion          = "X-Geo-Region"
	HeaderGeoMetroCode       = "X-Geo-Metro-Code"
	HeaderGeoCity            = "X-Geo-City"
	HeaderConsentPurposes    = "X-Consent-Purposes"
	HeaderConsentAdvertising = "X-Consent-Advertising"
	HeaderSyntheticFresh     = "X-Synthetic-Fresh"
)

// CORS response headers for routes that serve browser-facing assets. They
// are fixed values, applied to every response on a CORS route including
// errors.
const (
	corsAllowOrigin  = "*"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// forwardedHeaders is the allow-list of client headers copied to the
// backend. Content-Type is added separately for requests that carry a body.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"User-Agent",
	"Referer",
	"Origin",
	"Authorization",
}

// DerivedHeaders renders the annotation outputs as outbound header values.
func DerivedHeaders(a Annotations) http.Header {
	h := http.Header{}
	h.Set(HeaderGeoCountry, orUnknown(a.Geo.Country))
	h.Set(HeaderGeoRegion, orUnknown(a.Geo.Region))
	h.Set(HeaderGeoMetroCode, orUnknown(a.Geo.MetroCode))
	h.Set(HeaderGeoCity, orUnknown(a.Geo.City))

	h.Set(HeaderConsentPurposes, purposeList(a))
	h.Set(HeaderConsentAdvertising, strconv.FormatBool(a.Consent.AllowsPersonalizedAds()))

	if a.Identity != nil {
		if a.Identity.Durable {
			h.Set(identity.HeaderSyntheticID, a.Identity.ID)
		}
		h.Set(HeaderSyntheticFresh, a.Identity.Fresh)
	}
	return h
}

func purposeList(a Annotations) string {
	granted := a.Consent.Granted()
	if len(granted) == 0 {
		return "none"
	}
	parts := make([]string, len(granted))
	for i, p := range granted {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

func orUnknown(v string) string {
	if v == "" {
		return geo.Unknown
	}
	return v
}

// applyCORS sets the fixed CORS response headers.
func applyCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
}

// isCORSHeader reports whether name is one of the headers applyCORS owns.
func isCORSHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Access-Control-Allow-Origin", "Access-Control-Allow-Headers", "Access-Control-Allow-Methods":
		return true
	}
	return false
}
