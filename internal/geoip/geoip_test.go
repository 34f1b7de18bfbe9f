package geoip_test

import (
	"net/netip"
	"testing"

	"github.com/linkgate/linkgate/internal/geoip"
	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	known := netip.MustParseAddr("8.8.8.8")
	s := &geoip.Static{
		Countries: map[netip.Addr]string{
			known: "US",
		},
		ASNs: map[netip.Addr]geoip.ASN{
			known: {Organization: "GOOGLE", Number: 15169},
		},
	}

	assert.Equal(t, "US", s.CountryOf(known))
	assert.Equal(t, uint(15169), s.ASNOf(known).Number)

	other := netip.MustParseAddr("192.0.2.1")
	assert.Equal(t, geoip.Unknown, s.CountryOf(other))
	assert.Zero(t, s.ASNOf(other))

	empty := &geoip.Static{}
	assert.Equal(t, geoip.Unknown, empty.CountryOf(known))
}
