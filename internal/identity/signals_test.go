package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"trustedge/pkg/requestcontext"
)

const (
	testDomain = "example-news.com"
	testUA     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36"
)

type SignalsSuite struct {
	suite.Suite
}

func TestSignalsSuite(t *testing.T) {
	suite.Run(t, new(SignalsSuite))
}

func (s *SignalsSuite) request() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/article", nil)
	r.Header.Set("User-Agent", testUA)
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")

	ctx := requestcontext.WithClientIP(r.Context(), "203.0.113.9")
	ctx = requestcontext.WithTime(ctx, time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC))
	return r.WithContext(ctx)
}

func (s *SignalsSuite) TestCollect() {
	c := NewCollector(testDomain, "")
	got := c.Collect(s.request())

	s.Equal("203.0.113.9", got[SignalClientIP])
	s.Equal(testUA, got[SignalUserAgent])
	s.Equal("chrome/120", got[SignalUAFamily])
	s.Equal(testDomain, got[SignalDomain])
	s.Equal("en-US,en;q=0.9", got[SignalAcceptLanguage])
	s.Equal("2026-03-14", got[SignalDayBucket])
	s.Empty(got[SignalFirstPartyID])
	s.Equal("anonymous", got[SignalAuthUserID])
}

func (s *SignalsSuite) TestUAFamilyStableAcrossPatchReleases() {
	a := uaFamily("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36")
	b := uaFamily("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.224 Safari/537.36")
	s.Equal(a, b)

	s.Equal("unknown", uaFamily(""))
}

func (s *SignalsSuite) TestExistingIdentityCarriers() {
	c := NewCollector(testDomain, "")

	s.Run("header wins", func() {
		r := s.request()
		r.Header.Set(HeaderSyntheticID, "id-from-header")
		r.AddCookie(&http.Cookie{Name: CookieSyntheticID, Value: "id-from-cookie"})
		s.Equal("id-from-header", c.Collect(r)[SignalFirstPartyID])
	})

	s.Run("cookie fallback", func() {
		r := s.request()
		r.AddCookie(&http.Cookie{Name: CookieSyntheticID, Value: "id-from-cookie"})
		s.Equal("id-from-cookie", c.Collect(r)[SignalFirstPartyID])
	})
}

func (s *SignalsSuite) TestAuthUserID() {
	key := "publisher-signing-key"
	c := NewCollector(testDomain, key)

	sign := func(key string, claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(s.T(), err)
		return token
	}

	s.Run("valid token yields subject", func() {
		r := s.request()
		r.Header.Set(HeaderPubUserToken, sign(key, jwt.MapClaims{"sub": "user-42"}))
		s.Equal("user-42", c.Collect(r)[SignalAuthUserID])
	})

	s.Run("wrong signing key degrades to anonymous", func() {
		r := s.request()
		r.Header.Set(HeaderPubUserToken, sign("some-other-key", jwt.MapClaims{"sub": "user-42"}))
		s.Equal("anonymous", c.Collect(r)[SignalAuthUserID])
	})

	s.Run("missing subject degrades to anonymous", func() {
		r := s.request()
		r.Header.Set(HeaderPubUserToken, sign(key, jwt.MapClaims{"aud": "trustedge"}))
		s.Equal("anonymous", c.Collect(r)[SignalAuthUserID])
	})

	s.Run("garbage token degrades to anonymous", func() {
		r := s.request()
		r.Header.Set(HeaderPubUserToken, "not.a.jwt")
		s.Equal("anonymous", c.Collect(r)[SignalAuthUserID])
	})

	s.Run("unconfigured key ignores tokens", func() {
		unconfigured := NewCollector(testDomain, "")
		r := s.request()
		r.Header.Set(HeaderPubUserToken, sign(key, jwt.MapClaims{"sub": "user-42"}))
		s.Equal("anonymous", unconfigured.Collect(r)[SignalAuthUserID])
	})
}
