// Package consent decodes regulatory consent signals into purpose grants.
//
// The evaluator is deliberately independent of the HTTP layer: it operates on
// raw token strings so every decode edge case can be exercised in isolation.
// All decode failures resolve to an empty grant set, never an error that
// aborts the request pipeline.
package consent

import "sort"

// Scheme selects the regulatory decoding scheme.
type Scheme string

const (
	// SchemeTCFEU decodes IAB TCF v2 consent strings (GDPR).
	SchemeTCFEU Scheme = "tcf-eu"
	// SchemeUSPrivacy decodes IAB US Privacy strings (CCPA).
	SchemeUSPrivacy Scheme = "us-privacy"
)

// Purpose is an IAB TCF purpose ID.
type Purpose uint8

const (
	// PurposeDeviceAccess is TCF purpose 1: store and/or access information
	// on a device.
	PurposeDeviceAccess Purpose = 1
	// PurposeBasicAds is TCF purpose 2: select basic ads.
	PurposeBasicAds Purpose = 2
	// PurposePersonalizedProfile is TCF purpose 3: create a personalised ads
	// profile.
	PurposePersonalizedProfile Purpose = 3
	// PurposePersonalizedAds is TCF purpose 4: select personalised ads.
	PurposePersonalizedAds Purpose = 4
	// PurposeAdMeasurement is TCF purpose 7: measure ad performance.
	PurposeAdMeasurement Purpose = 7
	// PurposeContentMeasurement is TCF purpose 8: measure content performance.
	PurposeContentMeasurement Purpose = 8
	// PurposeAudienceInsights is TCF purpose 9: apply market research to
	// generate audience insights.
	PurposeAudienceInsights Purpose = 9

	maxPurpose = 24
)

// Purpose groups used by the gateway's consent gates.
var (
	// PurposesIdentity gates synthetic identity derivation.
	PurposesIdentity = []Purpose{PurposeDeviceAccess, PurposeBasicAds}
	// PurposesPersonalizedAds gates cross-context targeting.
	PurposesPersonalizedAds = []Purpose{PurposeBasicAds, PurposePersonalizedProfile, PurposePersonalizedAds}
	// PurposesAnalytics gates measurement and insight collection.
	PurposesAnalytics = []Purpose{PurposeAdMeasurement, PurposeContentMeasurement, PurposeAudienceInsights}
)

// Decision is the set of purposes actually granted for one request.
// The zero value denies everything.
type Decision struct {
	Scheme Scheme
	// Valid reports whether a token decoded successfully. A false value with
	// an empty grant set is the fail-closed outcome for absent or malformed
	// tokens.
	Valid bool
	// GDPRApplies reports whether the EU regime applies to this request.
	GDPRApplies bool
	// TCString is the original token, relayed downstream (e.g. into OpenRTB
	// user.ext.consent) without reinterpretation.
	TCString string

	purposes uint32
	vendors  map[uint16]struct{}
}

// Allows reports whether a single purpose was granted.
func (d Decision) Allows(p Purpose) bool {
	if p == 0 || p > maxPurpose {
		return false
	}
	return d.purposes&(1<<(p-1)) != 0
}

// AllowsAll reports whether every purpose in the group was granted.
func (d Decision) AllowsAll(purposes []Purpose) bool {
	for _, p := range purposes {
		if !d.Allows(p) {
			return false
		}
	}
	return true
}

// AllowsIdentity reports whether synthetic identity derivation is permitted.
func (d Decision) AllowsIdentity() bool {
	return d.AllowsAll(PurposesIdentity)
}

// AllowsPersonalizedAds reports whether cross-context targeting is permitted.
func (d Decision) AllowsPersonalizedAds() bool {
	return d.AllowsAll(PurposesPersonalizedAds)
}

// AllowsAnalytics reports whether measurement purposes are permitted.
func (d Decision) AllowsAnalytics() bool {
	return d.AllowsAll(PurposesAnalytics)
}

// VendorAllowed reports whether a specific vendor received consent.
func (d Decision) VendorAllowed(vendorID uint16) bool {
	_, ok := d.vendors[vendorID]
	return ok
}

// HasConsent implements the TCF check for a vendor/purpose combination:
// the vendor AND every purpose must be granted.
func (d Decision) HasConsent(vendorID uint16, purposes []Purpose) bool {
	return d.VendorAllowed(vendorID) && d.AllowsAll(purposes)
}

// Granted returns the granted purposes in ascending order.
func (d Decision) Granted() []Purpose {
	var out []Purpose
	for p := Purpose(1); p <= maxPurpose; p++ {
		if d.Allows(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
