package httptransport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"trustedge/internal/consent"
	"trustedge/internal/identity"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/logger"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/proxy"
	httptransport "trustedge/internal/transport/http"
	"trustedge/pkg/testutil"
)

type recordingTransport struct {
	origin *url.URL
	calls  []*http.Request
}

func (t *recordingTransport) Origin(string) (*url.URL, bool) { return t.origin, true }

func (t *recordingTransport) Do(_ context.Context, _ string, req *http.Request) (*http.Response, error) {
	t.calls = append(t.calls, req)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

type RouterSuite struct {
	suite.Suite
	transport *recordingTransport
	router    http.Handler
	health    error
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.health = nil
	s.transport = &recordingTransport{}
	s.transport.origin, _ = url.Parse("https://sdk.privacy-center.org")

	log := logger.New(slog.LevelError)
	m := metrics.New(prometheus.NewRegistry())

	engine, err := identity.NewEngine(config.Identity{
		Template:      "{{client_ip}}:{{ua_family}}:{{domain}}:{{day_bucket}}",
		LookupSignals: []string{"client_ip", "ua_family", "domain"},
		Secret:        "router-test-secret",
	}, identity.NewMemoryStore(), m, log)
	s.Require().NoError(err)

	table := proxy.NewTable([]config.Route{
		{Prefix: "/proxy/", Backend: "sdk-backend", Strip: "/proxy", CORS: true},
	})

	s.router = httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Metrics:   m,
		Scheme:    consent.SchemeUSPrivacy,
		Collector: identity.NewCollector("example-news.com", ""),
		Engine:    engine,
		Handlers: []httptransport.Registrar{
			proxy.NewDispatcher(table, s.transport, m, log),
		},
		Health: func(context.Context) error { return s.health },
	})
}

func (s *RouterSuite) TestConsentedRequestCarriesIdentityDownstream() {
	r := testutil.NewRequest(s.T(), http.MethodGet, "/proxy/page")
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	r.Header.Set(consent.HeaderUSPrivacy, "1YNN")

	rr := testutil.DoRequest(s.router, r)
	s.Equal(http.StatusOK, rr.Code)
	s.NotEmpty(rr.Header().Get("X-Request-Id"))

	s.Require().Len(s.transport.calls, 1)
	call := s.transport.calls[0]
	s.Len(call.Header.Get(identity.HeaderSyntheticID), 64)
	s.NotEmpty(call.Header.Get(proxy.HeaderSyntheticFresh))
	s.Equal("true", call.Header.Get(proxy.HeaderConsentAdvertising))
	s.NotEmpty(call.Header.Get("X-Forwarded-For"))
}

func (s *RouterSuite) TestDeniedRequestStaysAnonymous() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/proxy/page"))
	s.Equal(http.StatusOK, rr.Code)

	s.Require().Len(s.transport.calls, 1)
	call := s.transport.calls[0]
	s.Empty(call.Header.Get(identity.HeaderSyntheticID))
	s.Empty(call.Header.Get(proxy.HeaderSyntheticFresh))
	s.Equal("none", call.Header.Get(proxy.HeaderConsentPurposes))
	s.Equal("false", call.Header.Get(proxy.HeaderConsentAdvertising))
}

func (s *RouterSuite) TestStableIdentityAcrossRequests() {
	send := func() string {
		r := testutil.NewRequest(s.T(), http.MethodGet, "/proxy/page")
		r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		r.Header.Set(consent.HeaderUSPrivacy, "1YNN")
		testutil.DoRequest(s.router, r)
		return s.transport.calls[len(s.transport.calls)-1].Header.Get(identity.HeaderSyntheticID)
	}

	first := send()
	second := send()
	s.Equal(first, second)
}

func (s *RouterSuite) TestHealth() {
	s.Run("healthy", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "status", "ok")
	})

	s.Run("store outage", func() {
		s.health = errors.New("redis down")
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
		testutil.AssertStatus(s.T(), rr, http.StatusServiceUnavailable)
	})
}

func (s *RouterSuite) TestMetricsEndpoint() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/metrics"))
	s.Equal(http.StatusOK, rr.Code)
}
