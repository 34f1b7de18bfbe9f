package intel_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/linkgate/linkgate/internal/intel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_IsBot(t *testing.T) {
	t.Parallel()

	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		switch r.URL.Path {
		case "/ip/192.0.2.1":
			_, _ = w.Write([]byte(`{"ip":"192.0.2.1","bot":true,"type":"datacenter"}`))
		default:
			_, _ = w.Write([]byte(`{"ip":"192.0.2.2","bot":false}`))
		}
	}))
	t.Cleanup(srv.Close)

	cli := intel.NewClient(&intel.ClientConfig{
		Logger:  slogutil.NewDiscardLogger(),
		BaseURL: srv.URL,
		APIKey:  "secret",
	})

	ctx := context.Background()

	ok, err := cli.IsBot(ctx, netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cli.IsBot(ctx, netip.MustParseAddr("192.0.2.2"))
	require.NoError(t, err)
	assert.False(t, ok)

	// The verdict for a repeated address comes from the cache.
	ok, err = cli.IsBot(ctx, netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(2), hits.Load())
}

func TestClient_IsBot_failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	cli := intel.NewClient(&intel.ClientConfig{
		Logger:  slogutil.NewDiscardLogger(),
		BaseURL: srv.URL,
	})

	ok, err := cli.IsBot(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestClient_IsBot_timeout(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	cli := intel.NewClient(&intel.ClientConfig{
		Logger:  slogutil.NewDiscardLogger(),
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
	})

	ok, err := cli.IsBot(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.False(t, ok)
	assert.Error(t, err)

	<-started
}
