package cidrset_test

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/linkgate/linkgate/internal/cidrset"
	"github.com/linkgate/linkgate/internal/reflist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger is the logger used in tests.
var testLogger = slogutil.NewDiscardLogger()

// testTimeout is the timeout for awaiting hot-reload effects.
const testTimeout = 5 * time.Second

func TestRouter_Matches(t *testing.T) {
	t.Parallel()

	r := cidrset.NewRouter(context.Background(), testLogger, []string{
		"192.0.2.0/24",
		"10.0.0.0/8",
		"2001:db8::/32",
		"198.51.100.7",
		"not-a-cidr",
		"300.0.0.0/8",
	})

	assert.Equal(t, 4, r.Size())

	testCases := []struct {
		name string
		ip   string
		want bool
	}{{
		name: "inside_v4",
		ip:   "192.0.2.77",
		want: true,
	}, {
		name: "outside_v4",
		ip:   "192.0.3.1",
		want: false,
	}, {
		name: "inside_large_v4",
		ip:   "10.255.255.255",
		want: true,
	}, {
		name: "inside_v6",
		ip:   "2001:db8::1",
		want: true,
	}, {
		name: "outside_v6",
		ip:   "2001:db9::1",
		want: false,
	}, {
		name: "host_route",
		ip:   "198.51.100.7",
		want: true,
	}, {
		name: "host_route_neighbor",
		ip:   "198.51.100.8",
		want: false,
	}, {
		name: "mapped_v4",
		ip:   "::ffff:10.1.2.3",
		want: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, r.Matches(netip.MustParseAddr(tc.ip)))
		})
	}
}

func TestRouter_Matches_empty(t *testing.T) {
	t.Parallel()

	r := cidrset.NewRouter(context.Background(), testLogger, nil)
	assert.False(t, r.Matches(netip.MustParseAddr("192.0.2.1")))
}

func TestMatcher_rebuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	const name = "blocked.cidr"
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("192.0.2.0/24\n"), 0o644))

	lists, err := reflist.New(&reflist.Config{
		Logger:  testLogger,
		BaseDir: dir,
	})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, lists.Close)

	m, err := cidrset.NewMatcher(context.Background(), &cidrset.MatcherConfig{
		Logger: testLogger,
		Lists:  lists,
		Source: name,
	})
	require.NoError(t, err)

	blocked := netip.MustParseAddr("192.0.2.77")
	require.True(t, m.Matches(blocked))

	// Replace the list, the previously-blocked range must become unblocked.
	require.NoError(t, os.WriteFile(path, []byte("203.0.113.0/24\n"), 0o644))

	require.Eventually(t, func() (ok bool) {
		return !m.Matches(blocked)
	}, testTimeout, 10*time.Millisecond)

	assert.True(t, m.Matches(netip.MustParseAddr("203.0.113.1")))
}
