package consent

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Decode errors are internal: Evaluate resolves every one of them to the
// empty grant set.
var (
	errEmptyToken         = errors.New("empty consent token")
	errBadEncoding        = errors.New("consent token is not valid base64url")
	errTruncated          = errors.New("consent token truncated")
	errUnsupportedVersion = errors.New("unsupported consent string version")
	errBadRange           = errors.New("invalid vendor range entry")
)

// bitReader reads big-endian bit fields from a byte slice, the layout used
// by the TCF core segment.
type bitReader struct {
	data []byte
	pos  int
}

func (b *bitReader) read(n int) (uint64, error) {
	if b.pos+n > len(b.data)*8 {
		return 0, errTruncated
	}
	var v uint64
	for i := 0; i < n; i++ {
		byteIdx := b.pos / 8
		bitIdx := 7 - b.pos%8
		v = v<<1 | uint64(b.data[byteIdx]>>bitIdx&1)
		b.pos++
	}
	return v, nil
}

func (b *bitReader) skip(n int) error {
	if b.pos+n > len(b.data)*8 {
		return errTruncated
	}
	b.pos += n
	return nil
}

// Core segment field widths per the IAB TCF v2 string specification. The
// fields between the version and the purposes bitfield are fixed-width, so
// they can be skipped as a block.
const (
	tcfVersionBits = 6
	// created(36) lastUpdated(36) cmpID(12) cmpVersion(12) consentScreen(6)
	// consentLanguage(12) vendorListVersion(12) policyVersion(6)
	// isServiceSpecific(1) useNonStandardTexts(1) specialFeatureOptIns(12)
	tcfHeaderBits       = 36 + 36 + 12 + 12 + 6 + 12 + 12 + 6 + 1 + 1 + 12
	tcfPurposeBits      = 24
	tcfVendorIDBits     = 16
	tcfNumEntriesBits   = 12
	tcfSupportedVersion = 2
)

// decodeTCString decodes the core segment of a TCF v2 consent string into a
// Decision. Disclosed-vendors and publisher-tc segments after the first '.'
// carry no purpose grants and are ignored.
func decodeTCString(token string) (Decision, error) {
	core, _, _ := strings.Cut(token, ".")
	if core == "" {
		return Decision{}, errEmptyToken
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(core, "="))
	if err != nil {
		return Decision{}, errBadEncoding
	}

	r := &bitReader{data: data}

	version, err := r.read(tcfVersionBits)
	if err != nil {
		return Decision{}, err
	}
	if version != tcfSupportedVersion {
		return Decision{}, errUnsupportedVersion
	}
	if err := r.skip(tcfHeaderBits); err != nil {
		return Decision{}, err
	}

	purposes, err := r.read(tcfPurposeBits)
	if err != nil {
		return Decision{}, err
	}
	// Purposes legitimate-interest transparency confers no consent grant.
	if err := r.skip(tcfPurposeBits); err != nil {
		return Decision{}, err
	}
	// purposeOneTreatment(1) + publisherCC(12)
	if err := r.skip(1 + 12); err != nil {
		return Decision{}, err
	}

	vendors, err := readVendorSection(r)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Scheme:      SchemeTCFEU,
		Valid:       true,
		GDPRApplies: true,
		TCString:    token,
		vendors:     vendors,
	}
	// The purposes field is MSB-first: bit 0 of the field is purpose 1.
	for p := 0; p < tcfPurposeBits; p++ {
		if purposes&(1<<(tcfPurposeBits-1-p)) != 0 {
			d.purposes |= 1 << p
		}
	}
	return d, nil
}

// readVendorSection decodes the vendor consent section, which is either a
// bitfield up to maxVendorID or a list of ID ranges.
func readVendorSection(r *bitReader) (map[uint16]struct{}, error) {
	maxVendor, err := r.read(tcfVendorIDBits)
	if err != nil {
		return nil, err
	}
	isRange, err := r.read(1)
	if err != nil {
		return nil, err
	}

	vendors := make(map[uint16]struct{})
	if isRange == 0 {
		for id := uint64(1); id <= maxVendor; id++ {
			bit, err := r.read(1)
			if err != nil {
				return nil, err
			}
			if bit == 1 {
				vendors[uint16(id)] = struct{}{}
			}
		}
		return vendors, nil
	}

	numEntries, err := r.read(tcfNumEntriesBits)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numEntries; i++ {
		isARange, err := r.read(1)
		if err != nil {
			return nil, err
		}
		start, err := r.read(tcfVendorIDBits)
		if err != nil {
			return nil, err
		}
		end := start
		if isARange == 1 {
			end, err = r.read(tcfVendorIDBits)
			if err != nil {
				return nil, err
			}
		}
		if start == 0 || end < start || end > maxVendor {
			return nil, errBadRange
		}
		for id := start; id <= end; id++ {
			vendors[uint16(id)] = struct{}{}
		}
	}
	return vendors, nil
}

// decodeUSPrivacy decodes an IAB US Privacy string ("1YNN" shape). A user
// who has opted out of sale grants nothing; otherwise the opt-out regime
// grants all purposes. Malformed strings fail closed like every other
// scheme.
func decodeUSPrivacy(token string) (Decision, error) {
	if len(token) != 4 {
		return Decision{}, errTruncated
	}
	if token[0] != '1' {
		return Decision{}, errUnsupportedVersion
	}
	for _, c := range token[1:] {
		if c != 'Y' && c != 'N' && c != '-' {
			return Decision{}, errBadEncoding
		}
	}

	d := Decision{Scheme: SchemeUSPrivacy, Valid: true}
	if token[2] == 'Y' { // opted out of sale
		return d, nil
	}
	for p := Purpose(1); p <= maxPurpose; p++ {
		d.purposes |= 1 << (p - 1)
	}
	return d, nil
}
