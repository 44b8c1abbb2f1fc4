package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "trustedge/pkg/domain-errors"
)

const validYAML = `
server:
  addr: ":8080"
publisher:
  domain: "example-news.com"
consent:
  scheme: "tcf-eu"
identity:
  template: "{{client_ip}}:{{ua_family}}:{{domain}}:{{day_bucket}}"
  lookup_signals: [client_ip, ua_family, domain]
store:
  kind: memory
routes:
  - { prefix: /proxy/api/, backend: api-backend, strip: /proxy/api, cors: true }
  - { prefix: /proxy/,     backend: sdk-backend, strip: /proxy,     cors: true }
backends:
  sdk-backend: { origin: "https://sdk.privacy-center.org", timeout: 5s }
  api-backend: { origin: "https://api.privacy-center.org", timeout: 5s }
`

func parse(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	t.Setenv(defaultSecretEnv, "a-strong-master-secret")
	return Parse([]byte(yaml))
}

func TestParseValid(t *testing.T) {
	cfg, err := parse(t, validYAML)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ".example-news.com", cfg.Publisher.CookieDomain, "cookie domain defaults from publisher domain")
	assert.Equal(t, "a-strong-master-secret", cfg.Identity.Secret)
	assert.Equal(t, 720*time.Hour, cfg.Identity.TTL.Std(), "identity ttl default")
	assert.Equal(t, 5*time.Second, cfg.Backends["sdk-backend"].Timeout.Std())
	assert.Len(t, cfg.Routes, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvAddr, ":9999")
	t.Setenv(EnvStoreURL, "redis://override:6379")

	cfg, err := parse(t, `
publisher: { domain: "example-news.com" }
identity:
  template: "{{client_ip}}"
  lookup_signals: [client_ip]
store: { kind: redis, url: "redis://original:6379" }
`)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "redis://override:6379", cfg.Store.URL)
}

func TestSecretHandling(t *testing.T) {
	minimal := `
publisher: { domain: "example-news.com" }
identity:
  template: "{{client_ip}}"
  lookup_signals: [client_ip]
`

	t.Run("missing secret is fatal", func(t *testing.T) {
		t.Setenv(defaultSecretEnv, "")
		_, err := Parse([]byte(minimal))
		require.Error(t, err)
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConfiguration))
	})

	t.Run("insecure default secret is fatal", func(t *testing.T) {
		t.Setenv(defaultSecretEnv, insecureSecretWord)
		_, err := Parse([]byte(minimal))
		require.Error(t, err)
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConfiguration))
	})

	t.Run("custom secret env name", func(t *testing.T) {
		t.Setenv("CUSTOM_SECRET", "another-secret")
		cfg, err := Parse([]byte(minimal + "  secret_key_env: CUSTOM_SECRET\n"))
		require.NoError(t, err)
		assert.Equal(t, "another-secret", cfg.Identity.Secret)
	})
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"missing publisher domain": `
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
`,
		"unknown consent scheme": `
publisher: { domain: "d.com" }
consent: { scheme: "apec" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
`,
		"route references unknown backend": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
routes:
  - { prefix: /proxy/, backend: nowhere }
`,
		"route prefix without slash": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
routes:
  - { prefix: "proxy/", backend: b }
backends:
  b: { origin: "https://b.example.com" }
`,
		"store url required for redis": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
store: { kind: redis }
`,
		"unknown store kind": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
store: { kind: etcd }
`,
		"backend requires tls": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
backends:
  b: { origin: "http://plain.example.com", require_tls: true }
`,
		"gam without publisher id": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
gam:
  backend: b
  ad_units: [homepage]
backends:
  b: { origin: "https://b.example.com" }
`,
		"ad unit with zero size": `
publisher: { domain: "d.com" }
identity: { template: "{{client_ip}}", lookup_signals: [client_ip] }
prebid:
  backend: b
  ad_units: [{ name: bad, width: 0, height: 250 }]
backends:
  b: { origin: "https://b.example.com" }
`,
	}

	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse(t, yaml)
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConfiguration))
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := parse(t, `
publisher: { domain: "d.com" }
identity:
  template: "{{client_ip}}"
  lookup_signals: [client_ip]
  ttl: 48h
backends:
  b: { origin: "https://b.example.com", timeout: 250ms }
`)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Identity.TTL.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Backends["b"].Timeout.Std())

	_, err = parse(t, `
publisher: { domain: "d.com" }
identity:
  template: "{{client_ip}}"
  lookup_signals: [client_ip]
  ttl: "two days"
`)
	require.Error(t, err)
}
