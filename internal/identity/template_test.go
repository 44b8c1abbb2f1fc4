package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "trustedge/pkg/domain-errors"
)

func TestParseTemplate(t *testing.T) {
	t.Run("valid template", func(t *testing.T) {
		tmpl, err := ParseTemplate("{{client_ip}}:{{ua_family}}:{{domain}}:{{day_bucket}}")
		require.NoError(t, err)
		assert.Equal(t, []string{"client_ip", "ua_family", "domain", "day_bucket"}, tmpl.Signals())
		assert.True(t, tmpl.Uses("domain"))
		assert.False(t, tmpl.Uses("auth_user_id"))
	})

	t.Run("render substitutes in order", func(t *testing.T) {
		tmpl, err := ParseTemplate("{{client_ip}}:{{domain}}")
		require.NoError(t, err)

		out := tmpl.Render(Signals{
			SignalClientIP: "203.0.113.9",
			SignalDomain:   "example-news.com",
		})
		assert.Equal(t, "203.0.113.9:example-news.com", out)
	})

	t.Run("missing signal renders empty", func(t *testing.T) {
		tmpl, err := ParseTemplate("{{client_ip}}:{{accept_language}}")
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.9:", tmpl.Render(Signals{SignalClientIP: "203.0.113.9"}))
	})

	t.Run("rejected templates", func(t *testing.T) {
		for name, raw := range map[string]string{
			"empty":            "",
			"unknown signal":   "{{client_ip}}:{{session_id}}",
			"unterminated":     "{{client_ip}}:{{domain",
			"no placeholders":  "static-value",
			"whitespace inner": "{{ not a signal }}",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := ParseTemplate(raw)
				require.Error(t, err)
				assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConfiguration))
			})
		}
	})
}

func TestValidateLookupSignals(t *testing.T) {
	tmpl, err := ParseTemplate("{{client_ip}}:{{ua_family}}:{{day_bucket}}")
	require.NoError(t, err)

	assert.NoError(t, ValidateLookupSignals(tmpl, []string{"client_ip", "ua_family"}))

	err = ValidateLookupSignals(tmpl, []string{"client_ip", "bogus"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConfiguration))

	err = ValidateLookupSignals(tmpl, []string{"domain"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConfiguration), "signal not referenced by the template")
}
