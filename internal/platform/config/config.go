// Package config loads and validates the gateway configuration.
//
// Configuration comes from a YAML file with environment overrides for
// deployment-specific values. Everything that can be misconfigured is
// rejected here, at startup, so per-request code never discovers a bad
// deployment mid-traffic.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkgerrors "trustedge/pkg/domain-errors"
)

const (
	// EnvAddr overrides server.addr.
	EnvAddr = "TRUSTEDGE_ADDR"
	// EnvStoreURL overrides store.url.
	EnvStoreURL = "TRUSTEDGE_STORE_URL"

	defaultSecretEnv   = "TRUSTEDGE_IDENTITY_SECRET"
	insecureSecretWord = "secret-key"
)

// Duration wraps time.Duration for YAML decoding of values like "5s".
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server captures HTTP server level configuration.
type Server struct {
	Addr string `yaml:"addr"`
}

// Publisher identifies the first-party domain the gateway serves.
type Publisher struct {
	Domain       string `yaml:"domain"`
	CookieDomain string `yaml:"cookie_domain"`
}

// Consent selects the regulatory scheme used to decode consent tokens.
type Consent struct {
	Scheme string `yaml:"scheme"`
}

// Identity configures synthetic identity derivation.
type Identity struct {
	Template      string   `yaml:"template"`
	LookupSignals []string `yaml:"lookup_signals"`
	SecretKeyEnv  string   `yaml:"secret_key_env"`
	PubKeyEnv     string   `yaml:"pub_key_env"`
	TTL           Duration `yaml:"ttl"`

	// Secret is resolved from SecretKeyEnv at load time and never serialized.
	Secret string `yaml:"-"`
	// PubKey is the optional publisher JWT verification key.
	PubKey string `yaml:"-"`
}

// Store selects the persistence collaborator.
type Store struct {
	Kind         string   `yaml:"kind"` // redis, postgres or memory
	URL          string   `yaml:"url"`
	PoolSize     int      `yaml:"pool_size"`
	MinIdleConns int      `yaml:"min_idle_conns"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// AdServer configures the direct ad-creative integration.
type AdServer struct {
	Backend  string `yaml:"backend"`
	SyncPath string `yaml:"sync_path"`
}

// AdUnit is a single bid placement.
type AdUnit struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// Prebid configures the bid endpoint.
type Prebid struct {
	Backend string   `yaml:"backend"`
	AdUnits []AdUnit `yaml:"ad_units"`
}

// GAM configures the server-side Google Ad Manager request path.
type GAM struct {
	Backend     string   `yaml:"backend"`
	PublisherID string   `yaml:"publisher_id"`
	AdUnits     []string `yaml:"ad_units"`
}

// Route maps a path prefix onto a named backend.
type Route struct {
	Prefix  string `yaml:"prefix"`
	Backend string `yaml:"backend"`
	Strip   string `yaml:"strip"`
	CORS    bool   `yaml:"cors"`
}

// Backend is an upstream origin the dispatcher may call.
type Backend struct {
	Origin     string   `yaml:"origin"`
	Timeout    Duration `yaml:"timeout"`
	RequireTLS bool     `yaml:"require_tls"`
}

// Config is the root configuration document.
type Config struct {
	Server    Server             `yaml:"server"`
	Publisher Publisher          `yaml:"publisher"`
	Consent   Consent            `yaml:"consent"`
	Identity  Identity           `yaml:"identity"`
	Store     Store              `yaml:"store"`
	AdServer  AdServer           `yaml:"ad_server"`
	Prebid    Prebid             `yaml:"prebid"`
	GAM       GAM                `yaml:"gam"`
	Routes    []Route            `yaml:"routes"`
	Backends  map[string]Backend `yaml:"backends"`
}

// Load reads, overrides and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConfiguration, "read config file")
	}
	return Parse(raw)
}

// Parse decodes a YAML document, applies environment overrides and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConfiguration, "parse config")
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv(EnvAddr); addr != "" {
		c.Server.Addr = addr
	}
	if u := os.Getenv(EnvStoreURL); u != "" {
		c.Store.URL = u
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Publisher.Domain == "" {
		return pkgerrors.New(pkgerrors.CodeConfiguration, "publisher.domain is required")
	}
	if c.Publisher.CookieDomain == "" {
		c.Publisher.CookieDomain = "." + c.Publisher.Domain
	}

	switch c.Consent.Scheme {
	case "":
		c.Consent.Scheme = "tcf-eu"
	case "tcf-eu", "us-privacy":
	default:
		return pkgerrors.Newf(pkgerrors.CodeConfiguration, "unknown consent scheme %q", c.Consent.Scheme)
	}

	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	return c.validateRouting()
}

func (c *Config) validateIdentity() error {
	if c.Identity.Template == "" {
		return pkgerrors.New(pkgerrors.CodeConfiguration, "identity.template is required")
	}
	if len(c.Identity.LookupSignals) == 0 {
		return pkgerrors.New(pkgerrors.CodeConfiguration, "identity.lookup_signals is required")
	}
	if c.Identity.TTL <= 0 {
		c.Identity.TTL = Duration(720 * time.Hour)
	}

	secretEnv := c.Identity.SecretKeyEnv
	if secretEnv == "" {
		secretEnv = defaultSecretEnv
	}
	secret := os.Getenv(secretEnv)
	if secret == "" {
		return pkgerrors.Newf(pkgerrors.CodeConfiguration, "identity secret key missing: set %s", secretEnv)
	}
	if secret == insecureSecretWord {
		return pkgerrors.New(pkgerrors.CodeConfiguration, "identity secret key is the insecure default")
	}
	c.Identity.Secret = secret

	if c.Identity.PubKeyEnv != "" {
		c.Identity.PubKey = os.Getenv(c.Identity.PubKeyEnv)
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Kind {
	case "":
		c.Store.Kind = "memory"
	case "memory":
	case "redis", "postgres":
		if c.Store.URL == "" {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "store.url is required for kind %q", c.Store.Kind)
		}
	default:
		return pkgerrors.Newf(pkgerrors.CodeConfiguration, "unknown store kind %q", c.Store.Kind)
	}
	return nil
}

func (c *Config) validateRouting() error {
	for name, b := range c.Backends {
		origin, err := url.Parse(b.Origin)
		if err != nil || origin.Host == "" {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "backend %q has invalid origin %q", name, b.Origin)
		}
		if b.RequireTLS && origin.Scheme != "https" {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "backend %q requires TLS but origin is %q", name, origin.Scheme)
		}
		if b.Timeout <= 0 {
			b.Timeout = Duration(5 * time.Second)
			c.Backends[name] = b
		}
	}

	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "route prefix %q must start with /", r.Prefix)
		}
		if _, ok := c.Backends[r.Backend]; !ok {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "route %q references unknown backend %q", r.Prefix, r.Backend)
		}
	}

	if c.AdServer.Backend != "" {
		if _, ok := c.Backends[c.AdServer.Backend]; !ok {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "ad_server references unknown backend %q", c.AdServer.Backend)
		}
	}
	if c.Prebid.Backend != "" {
		if _, ok := c.Backends[c.Prebid.Backend]; !ok {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "prebid references unknown backend %q", c.Prebid.Backend)
		}
		for _, u := range c.Prebid.AdUnits {
			if u.Width <= 0 || u.Height <= 0 {
				return pkgerrors.Newf(pkgerrors.CodeConfiguration, "ad unit %q has invalid size %dx%d", u.Name, u.Width, u.Height)
			}
		}
	}
	if c.GAM.Backend != "" {
		if _, ok := c.Backends[c.GAM.Backend]; !ok {
			return pkgerrors.Newf(pkgerrors.CodeConfiguration, "gam references unknown backend %q", c.GAM.Backend)
		}
		if c.GAM.PublisherID == "" {
			return pkgerrors.New(pkgerrors.CodeConfiguration, "gam.publisher_id is required")
		}
	}
	return nil
}
