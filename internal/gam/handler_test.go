package gam_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"trustedge/internal/consent"
	"trustedge/internal/gam"
	"trustedge/internal/identity"
	"trustedge/internal/platform/config"
	"trustedge/internal/platform/logger"
	"trustedge/internal/platform/metrics"
	"trustedge/internal/proxy"
	"trustedge/pkg/testutil"
)

// gamTransport records outbound ad requests and serves a canned response.
type gamTransport struct {
	status int
	body   string
	err    error
	calls  []*http.Request
}

func (g *gamTransport) Origin(backend string) (*url.URL, bool) {
	if backend != "gam" {
		return nil, false
	}
	u, _ := url.Parse("https://securepubads.g.doubleclick.net")
	return u, true
}

func (g *gamTransport) Do(_ context.Context, _ string, req *http.Request) (*http.Response, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	return &http.Response{
		StatusCode: g.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(g.body)),
	}, nil
}

type GamSuite struct {
	suite.Suite
	transport *gamTransport
	router    chi.Router
}

func TestGamSuite(t *testing.T) {
	suite.Run(t, new(GamSuite))
}

func (s *GamSuite) SetupTest() {
	s.transport = &gamTransport{status: http.StatusOK, body: `{"/21796327522/homepage":["html"]}`}

	h := gam.New(
		config.GAM{Backend: "gam", PublisherID: "21796327522", AdUnits: []string{"homepage", "article"}},
		config.Publisher{Domain: "example-news.com"},
		s.transport,
		metrics.New(prometheus.NewRegistry()),
		logger.New(slog.LevelError),
	)
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *GamSuite) annotated(a proxy.Annotations) *http.Request {
	r := testutil.NewRequest(s.T(), http.MethodGet, "/gam/ad")
	return r.WithContext(proxy.WithAnnotations(r.Context(), a))
}

// granted allows every purpose under the opt-out regime.
func (s *GamSuite) granted() consent.Decision {
	return consent.Evaluate("1YNN", consent.SchemeUSPrivacy)
}

func (s *GamSuite) TestConsentGateAnswersLocally() {
	rr := testutil.DoRequest(s.router, s.annotated(proxy.Annotations{}))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	testutil.AssertJSONContains(s.T(), rr, "error", "advertising consent required")
	s.Empty(s.transport.calls, "denied requests never reach the backend")
}

func (s *GamSuite) TestAdRequestShape() {
	a := proxy.Annotations{
		Consent:  s.granted(),
		Identity: &identity.Identity{ID: "synthetic-abc", Fresh: "fresh-abc", Durable: true},
	}
	r := s.annotated(a)
	r.Header.Set("Referer", "https://example-news.com/article/42")
	r.Header.Set("User-Agent", "Mozilla/5.0")

	rr := testutil.DoRequest(s.router, r)
	s.Equal(http.StatusOK, rr.Code)

	s.Require().Len(s.transport.calls, 1)
	call := s.transport.calls[0]
	s.Equal("securepubads.g.doubleclick.net", call.URL.Host)
	s.Equal("/gampad/ads", call.URL.Path)

	q := call.URL.Query()
	s.Equal("1", q.Get("gdfp_req"))
	s.Equal("ldjh", q.Get("output"))
	s.Equal("21796327522,homepage,article", q.Get("iu_parts"))
	s.Equal("puid=synthetic-abc", q.Get("cust_params"))
	s.Equal("https://example-news.com/article/42", q.Get("url"))
	s.NotEmpty(q.Get("correlator"))

	s.Equal("https://example-news.com/article/42", call.Header.Get("Referer"))
	s.Equal("Mozilla/5.0", call.Header.Get("User-Agent"))
	s.Equal("synthetic-abc", call.Header.Get(identity.HeaderSyntheticID))

	s.Equal(q.Get("correlator"), rr.Header().Get(gam.HeaderCorrelator))
	s.Equal("*", rr.Header().Get("Access-Control-Allow-Origin"))
	s.Equal("synthetic-abc", rr.Header().Get(identity.HeaderSyntheticID))
	s.Equal(`{"/21796327522/homepage":["html"]}`, rr.Body.String())
}

func (s *GamSuite) TestEphemeralIdentityWithholdsDurableHeader() {
	a := proxy.Annotations{
		Consent:  s.granted(),
		Identity: &identity.Identity{ID: "eph-1", Fresh: "fresh-1", Durable: false},
	}

	rr := testutil.DoRequest(s.router, s.annotated(a))
	s.Equal(http.StatusOK, rr.Code)

	s.Require().Len(s.transport.calls, 1)
	call := s.transport.calls[0]
	s.Empty(call.Header.Get(identity.HeaderSyntheticID))
	s.Equal("puid=eph-1", call.URL.Query().Get("cust_params"), "puid still rides in the query")

	s.Empty(rr.Header().Get(identity.HeaderSyntheticID))
	s.Equal("fresh-1", rr.Header().Get(proxy.HeaderSyntheticFresh))
}

func (s *GamSuite) TestBackendFailure() {
	s.transport.err = context.DeadlineExceeded
	rr := testutil.DoRequest(s.router, s.annotated(proxy.Annotations{Consent: s.granted()}))
	testutil.AssertStatus(s.T(), rr, http.StatusBadGateway)
}

func (s *GamSuite) TestPublisherRootFallback() {
	testutil.DoRequest(s.router, s.annotated(proxy.Annotations{Consent: s.granted()}))
	s.Require().Len(s.transport.calls, 1)
	s.Equal("https://example-news.com/", s.transport.calls[0].URL.Query().Get("url"))
}
