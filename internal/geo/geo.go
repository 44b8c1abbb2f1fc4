// Package geo maps edge-supplied geolocation headers to canonical region
// fields for ad-targeting. It is a pure mapping: a missing or malformed
// source header degrades that field to "unknown" and never blocks a request.
package geo

import (
	"net/http"
	"strings"
)

// Source headers set by the fronting edge platform from its IP lookup.
const (
	HeaderEdgeCountry   = "X-Edge-Country"
	HeaderEdgeRegion    = "X-Edge-Region"
	HeaderEdgeMetroCode = "X-Edge-Metro-Code"
	HeaderEdgeCity      = "X-Edge-City"
)

// Unknown is the degraded value for any field the edge did not supply or
// supplied malformed.
const Unknown = "unknown"

// Signals are the canonical geolocation fields for one request.
type Signals struct {
	Country   string // ISO 3166-1 alpha-2, uppercased
	Region    string // subdivision code
	MetroCode string // DMA code, digits only
	City      string
}

// Extract maps the edge geolocation headers into Signals. Every field is
// independently validated; a bad value in one never affects the others.
func Extract(h http.Header) Signals {
	return Signals{
		Country:   country(h.Get(HeaderEdgeCountry)),
		Region:    token(h.Get(HeaderEdgeRegion), 8),
		MetroCode: digits(h.Get(HeaderEdgeMetroCode)),
		City:      city(h.Get(HeaderEdgeCity)),
	}
}

// Known reports whether the request carried any usable geo signal at all.
func (s Signals) Known() bool {
	return s.Country != Unknown || s.Region != Unknown || s.MetroCode != Unknown || s.City != Unknown
}

func country(v string) string {
	v = strings.TrimSpace(v)
	if len(v) != 2 {
		return Unknown
	}
	for _, c := range v {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return Unknown
		}
	}
	return strings.ToUpper(v)
}

// token accepts short alphanumeric subdivision codes like "TX" or "75".
func token(v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxLen {
		return Unknown
	}
	for _, c := range v {
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && c != '-' {
			return Unknown
		}
	}
	return strings.ToUpper(v)
}

func digits(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > 5 {
		return Unknown
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return Unknown
		}
	}
	return v
}

func city(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > 100 {
		return Unknown
	}
	for _, c := range v {
		if c < 0x20 || c == 0x7f {
			return Unknown
		}
	}
	return v
}
