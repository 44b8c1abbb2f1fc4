package identity

import (
	"strings"

	pkgerrors "trustedge/pkg/domain-errors"
)

// Signal names usable in the identity template. The set is closed: a
// template referencing anything else is a deployment mistake and is rejected
// at startup, never at request time.
const (
	SignalClientIP       = "client_ip"
	SignalUserAgent      = "user_agent"
	SignalUAFamily       = "ua_family"
	SignalDomain         = "domain"
	SignalAcceptLanguage = "accept_language"
	SignalDayBucket      = "day_bucket"
	SignalFirstPartyID   = "first_party_id"
	SignalAuthUserID     = "auth_user_id"
)

var knownSignals = map[string]struct{}{
	SignalClientIP:       {},
	SignalUserAgent:      {},
	SignalUAFamily:       {},
	SignalDomain:         {},
	SignalAcceptLanguage: {},
	SignalDayBucket:      {},
	SignalFirstPartyID:   {},
	SignalAuthUserID:     {},
}

// Template is a parsed identity template such as
// "{{client_ip}}:{{ua_family}}:{{domain}}:{{day_bucket}}". Placeholders
// resolve against collected request signals; everything else is literal.
type Template struct {
	segments []segment
	signals  []string
}

type segment struct {
	text        string
	placeholder bool
}

// ParseTemplate parses and validates a template string. Unknown placeholders
// and unterminated braces are configuration errors.
func ParseTemplate(raw string) (*Template, error) {
	if raw == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "identity template is empty")
	}

	t := &Template{}
	rest := raw
	for {
		before, after, found := strings.Cut(rest, "{{")
		if before != "" {
			t.segments = append(t.segments, segment{text: before})
		}
		if !found {
			break
		}
		name, remainder, closed := strings.Cut(after, "}}")
		if !closed {
			return nil, pkgerrors.Newf(pkgerrors.CodeConfiguration, "identity template has unterminated placeholder near %q", after)
		}
		name = strings.TrimSpace(name)
		if _, ok := knownSignals[name]; !ok {
			return nil, pkgerrors.Newf(pkgerrors.CodeConfiguration, "identity template references unknown signal %q", name)
		}
		t.segments = append(t.segments, segment{text: name, placeholder: true})
		t.signals = append(t.signals, name)
		rest = remainder
	}

	if len(t.signals) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "identity template has no signal placeholders")
	}
	return t, nil
}

// Signals returns the placeholder names in template order.
func (t *Template) Signals() []string { return t.signals }

// Uses reports whether the template references the signal.
func (t *Template) Uses(name string) bool {
	for _, s := range t.signals {
		if s == name {
			return true
		}
	}
	return false
}

// Render substitutes collected signal values into the template. A signal the
// request could not supply renders as the empty string, which keeps the
// output deterministic for identical inputs.
func (t *Template) Render(signals Signals) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.placeholder {
			b.WriteString(signals[seg.text])
			continue
		}
		b.WriteString(seg.text)
	}
	return b.String()
}

// ValidateLookupSignals checks that every configured lookup signal is a known
// signal name referenced by the template, so the lookup key is always a
// strict function of template inputs.
func ValidateLookupSignals(t *Template, lookup []string) error {
	for _, name := range lookup {
		if _, ok := knownSignals[name]; !ok {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "lookup signal %q is not a known signal", name)
		}
		if !t.Uses(name) {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "lookup signal %q is not used by the identity template", name)
		}
	}
	return nil
}
