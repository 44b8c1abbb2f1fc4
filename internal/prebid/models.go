// Package prebid runs server-side header-bidding auctions against a Prebid
// Server backend.
package prebid

// The types below are the subset of OpenRTB 2.x the gateway emits. Bid
// responses are relayed as raw JSON and never remodeled.

// Format is one banner size.
type Format struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Banner describes the banner placement being auctioned.
type Banner struct {
	Format []Format `json:"format"`
}

// Imp is a single impression offer.
type Imp struct {
	ID          string  `json:"id"`
	Banner      Banner  `json:"banner"`
	BidFloor    float64 `json:"bidfloor"`
	BidFloorCur string  `json:"bidfloorcur"`
}

// Site identifies the page the impression renders on.
type Site struct {
	Domain string `json:"domain"`
	Page   string `json:"page"`
}

// UID is one identifier within an extended ID source.
type UID struct {
	ID    string            `json:"id"`
	AType int               `json:"atype"`
	Ext   map[string]string `json:"ext,omitempty"`
}

// EID is an extended identifier group keyed by its source.
type EID struct {
	Source string `json:"source"`
	UIDs   []UID  `json:"uids"`
}

// UserExt carries the consent string and first-party identifiers.
type UserExt struct {
	Consent string `json:"consent,omitempty"`
	EIDs    []EID  `json:"eids,omitempty"`
}

// User is the OpenRTB user object.
type User struct {
	Ext *UserExt `json:"ext,omitempty"`
}

// RegsExt carries the regulatory flags.
type RegsExt struct {
	GDPR int `json:"gdpr"`
}

// Regs is the OpenRTB regulations object.
type Regs struct {
	Ext RegsExt `json:"ext"`
}

// BidRequest is the top-level OpenRTB 2.x auction request.
type BidRequest struct {
	ID   string `json:"id"`
	Imp  []Imp  `json:"imp"`
	Site Site   `json:"site"`
	User User   `json:"user"`
	TMax int    `json:"tmax"`
	AT   int    `json:"at"`
	Regs Regs   `json:"regs"`
}
