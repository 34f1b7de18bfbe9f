package websvc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/linkgate/linkgate/internal/admission"
	"github.com/linkgate/linkgate/internal/cidrset"
	"github.com/linkgate/linkgate/internal/geoip"
	"github.com/linkgate/linkgate/internal/headerscore"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/ratelimit"
	"github.com/linkgate/linkgate/internal/reflist"
	"github.com/linkgate/linkgate/internal/stats"
	"github.com/linkgate/linkgate/internal/websvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger is the logger used in tests.
var testLogger = slogutil.NewDiscardLogger()

// hdrVisitorIP is the trusted-proxy visitor address header.
const hdrVisitorIP = "X-Visitor-IP"

// uaDesktop is a clean desktop browser user agent.
const uaDesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36" +
	" (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// testRegistryText is a minimal language-subtag registry.
const testRegistryText = `%%
Type: language
Subtag: en
%%
`

// mapProvider is a [policy.Provider] over a fixed map.
type mapProvider map[string]*policy.Policy

// Policy implements the [policy.Provider] interface for mapProvider.
func (p mapProvider) Policy(_ context.Context, key string) (pol *policy.Policy, err error) {
	pol, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", policy.ErrNotFound, key)
	}

	return pol, nil
}

// fakeLimiter is a [ratelimit.Limiter] with a canned answer.
type fakeLimiter struct {
	err       error
	lastLimit int
	deny      bool
}

// Admit implements the [ratelimit.Limiter] interface for *fakeLimiter.
func (l *fakeLimiter) Admit(
	_ context.Context,
	_ string,
	limit int,
	_ time.Duration,
) (ok bool, err error) {
	l.lastLimit = limit

	return !l.deny, l.err
}

// type check
var _ ratelimit.Limiter = (*fakeLimiter)(nil)

// svcEnv bundles a service with the fakes behind it.
type svcEnv struct {
	svc     *websvc.Service
	limiter *fakeLimiter
	metrics *stats.Metrics
}

// newSvcEnv builds a service over temp-file reference lists and a static
// resolver.
func newSvcEnv(t *testing.T, policies mapProvider) (env *svcEnv) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocked.cidr"), []byte("203.0.113.0/24\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bots.txt"), nil, 0o644))

	registryPath := filepath.Join(dir, "registry")
	require.NoError(t, os.WriteFile(registryPath, []byte(testRegistryText), 0o644))

	lists, err := reflist.New(&reflist.Config{
		Logger:  testLogger,
		BaseDir: dir,
	})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, lists.Close)

	matcher, err := cidrset.NewMatcher(context.Background(), &cidrset.MatcherConfig{
		Logger: testLogger,
		Lists:  lists,
		Source: "blocked.cidr",
	})
	require.NoError(t, err)

	scorer := headerscore.NewScorer(headerscore.NewRegistry(&headerscore.RegistryConfig{
		Logger: testLogger,
		Source: registryPath,
	}))

	resolver := &geoip.Static{
		Countries: map[netip.Addr]string{
			netip.MustParseAddr("192.0.2.10"): "DE",
		},
		ASNs: map[netip.Addr]geoip.ASN{
			netip.MustParseAddr("192.0.2.10"): {Organization: "EXAMPLE-NET", Number: 64496},
		},
	}

	pipeline, err := admission.New(&admission.Config{
		Logger:        testLogger,
		CIDR:          matcher,
		Lists:         lists,
		BotListSource: "bots.txt",
		Scorer:        scorer,
	})
	require.NoError(t, err)

	env = &svcEnv{
		limiter: &fakeLimiter{},
		metrics: stats.New(),
	}

	env.svc = websvc.New(&websvc.Config{
		Logger:        testLogger,
		Policies:      policies,
		Pipeline:      pipeline,
		Resolver:      resolver,
		Scorer:        scorer,
		Limiter:       env.limiter,
		Metrics:       env.metrics,
		RedirectQuota: websvc.RateQuota{Requests: 5, Window: time.Minute},
		CheckQuota:    websvc.RateQuota{Requests: 10, Window: time.Minute},
	})

	return env
}

// do serves one request and returns the recorder.
func (env *svcEnv) do(path string, hdr http.Header) (w *httptest.ResponseRecorder) {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range hdr {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}

	w = httptest.NewRecorder()
	env.svc.Handler().ServeHTTP(w, r)

	return w
}

// browserHeaders returns a clean browser header set for the given visitor
// address.
func browserHeaders(ip string) (h http.Header) {
	h = http.Header{}
	h.Set(hdrVisitorIP, ip)
	h.Set(httphdr.UserAgent, uaDesktop)
	h.Set(httphdr.Accept, "text/html,application/xhtml+xml")
	h.Set(httphdr.AcceptLanguage, "en-US,en;q=0.9")
	h.Set(httphdr.AcceptEncoding, "gzip, deflate, br")
	h.Set("Sec-Ch-Ua", `"Chromium";v="124"`)
	h.Set("Sec-Fetch-Site", "none")

	return h
}

func TestService_handleRedirect(t *testing.T) {
	t.Parallel()

	policies := mapProvider{
		"promo": &policy.Policy{
			Key:            "promo",
			ActiveURL:      "https://example.com/landing",
			AllowedDevice:  policy.DeviceBoth,
			AllowedCountry: policy.CountryAll,
			IPBlacklist:    []string{"192.0.2.66"},
		},
		"stale": &policy.Policy{
			Key:            "stale",
			AllowedDevice:  policy.DeviceBoth,
			AllowedCountry: policy.CountryAll,
		},
	}

	t.Run("allowed", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/e/promo", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://example.com/landing", w.Header().Get(httphdr.Location))
		assert.Equal(t, 5, env.limiter.lastLimit)

		s := env.metrics.Snapshot()
		assert.Equal(t, uint64(1), s.Allowed)
	})

	t.Run("blocked_silent", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/e/promo", browserHeaders("192.0.2.66"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		// The reason stays internal.
		assert.NotContains(t, w.Body.String(), "blacklist")

		s := env.metrics.Snapshot()
		assert.Equal(t, uint64(1), s.Blocked)
		assert.Equal(t, uint64(1), s.BlockedByReason["ip_blacklist"])
	})

	t.Run("invalid_ip", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		h := browserHeaders("not-an-ip")
		w := env.do("/e/promo", h)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("socket_peer_fallback", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		h := browserHeaders("192.0.2.10")
		h.Del(hdrVisitorIP)

		// httptest requests come from 192.0.2.1.
		w := env.do("/e/promo", h)
		assert.Equal(t, http.StatusFound, w.Code)
	})

	t.Run("rate_limited", func(t *testing.T) {
		env := newSvcEnv(t, policies)
		env.limiter.deny = true

		w := env.do("/e/promo", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("limiter_failure", func(t *testing.T) {
		env := newSvcEnv(t, policies)
		env.limiter.err = errors.Error("store unreachable")

		w := env.do("/e/promo", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, uint64(1), env.metrics.Snapshot().Errors)
	})

	t.Run("unknown_key", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/e/missing", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("no_active_url", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/e/stale", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestService_handleRedirect_blockDirectives(t *testing.T) {
	t.Parallel()

	newPolicies := func(directive string) (p mapProvider) {
		return mapProvider{
			"promo": &policy.Policy{
				Key:            "promo",
				ActiveURL:      "https://example.com/landing",
				AllowedDevice:  policy.DeviceBoth,
				AllowedCountry: policy.CountryAll,
				IPBlacklist:    []string{"192.0.2.66"},
				BotRedirection: directive,
			},
		}
	}

	t.Run("numeric", func(t *testing.T) {
		env := newSvcEnv(t, newPolicies("404"))

		w := env.do("/e/promo", browserHeaders("192.0.2.66"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("url", func(t *testing.T) {
		env := newSvcEnv(t, newPolicies("https://example.org/decoy"))

		w := env.do("/e/promo", browserHeaders("192.0.2.66"))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://example.org/decoy", w.Header().Get(httphdr.Location))
	})
}

func TestService_handleCheck(t *testing.T) {
	t.Parallel()

	policies := mapProvider{
		"promo": &policy.Policy{
			Key:            "promo",
			ActiveURL:      "https://example.com/landing",
			AllowedDevice:  policy.DeviceBoth,
			AllowedCountry: policy.CountryAll,
			IPBlacklist:    []string{"192.0.2.66"},
			IPWhitelist:    []string{"192.0.2.77"},
		},
	}

	decode := func(t *testing.T, w *httptest.ResponseRecorder) (body map[string]any) {
		t.Helper()

		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

		return body
	}

	t.Run("missing_ip", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/api/check/promo", http.Header{})
		assert.Equal(t, http.StatusNotFound, w.Code)

		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "You forgot to input the IP Address", body["message"])
	})

	t.Run("welcome", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		h := http.Header{}
		h.Set(hdrVisitorIP, "0.0.0.0")

		w := env.do("/api/check/test", h)
		assert.Equal(t, http.StatusOK, w.Code)

		body := decode(t, w)
		assert.Equal(t, true, body["success"])
	})

	t.Run("blocked_verbose", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/api/check/promo", browserHeaders("192.0.2.66"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		body := decode(t, w)
		assert.Equal(t, true, body["blocked"])
		assert.Equal(t, "ip_blacklist", body["reason"])
		assert.Equal(t, "192.0.2.66", body["visitorIp"])
		assert.Equal(t, "desktop", body["deviceType"])
	})

	t.Run("bypass", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/api/check/promo", browserHeaders("192.0.2.77"))
		assert.Equal(t, http.StatusOK, w.Code)

		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "whitelisted_ip", body["reason"])
	})

	t.Run("passed", func(t *testing.T) {
		env := newSvcEnv(t, policies)

		w := env.do("/api/check/promo", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusOK, w.Code)

		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, false, body["blocked"])
		assert.Equal(t, "DE", body["visitorCountry"])
		assert.Equal(t, "EXAMPLE-NET", body["visitorAsn"])
		assert.Equal(t, 10, env.limiter.lastLimit)
	})

	t.Run("rate_limited", func(t *testing.T) {
		env := newSvcEnv(t, policies)
		env.limiter.deny = true

		w := env.do("/api/check/promo", browserHeaders("192.0.2.10"))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)

		body := decode(t, w)
		assert.Equal(t, "rate_limit_exceeded", body["reason"])
	})
}

func TestService_handleWhoami(t *testing.T) {
	t.Parallel()

	env := newSvcEnv(t, mapProvider{})

	w := env.do("/api/whoami/192.0.2.10", browserHeaders("192.0.2.10"))
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "192.0.2.10", body["ip"])
	assert.Equal(t, "DE", body["country"])
	assert.Equal(t, "EXAMPLE-NET", body["asnOrganization"])
	assert.Equal(t, "desktop", body["deviceType"])
	assert.Equal(t, "low", body["headerRisk"])

	w = env.do("/api/whoami/banana", http.Header{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestService_handleStats(t *testing.T) {
	t.Parallel()

	policies := mapProvider{
		"promo": &policy.Policy{
			Key:            "promo",
			ActiveURL:      "https://example.com/landing",
			AllowedDevice:  policy.DeviceBoth,
			AllowedCountry: policy.CountryAll,
		},
	}

	env := newSvcEnv(t, policies)

	env.do("/e/promo", browserHeaders("192.0.2.10"))

	w := env.do("/api/stats", http.Header{})
	assert.Equal(t, http.StatusOK, w.Code)

	var s stats.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, uint64(1), s.Allowed)
	assert.InDelta(t, 1, s.SuccessRate, 0.001)
}
