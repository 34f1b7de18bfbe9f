package geoip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/bluele/gcache"
	"github.com/oschwald/geoip2-golang"
)

// defaultCacheSize is the default number of resolved addresses kept in the
// LRU front cache.
const defaultCacheSize = 16384

// MaxMindConfig is the configuration for [OpenMaxMind].
type MaxMindConfig struct {
	// Logger is used for logging lookup failures.  It must not be nil.
	Logger *slog.Logger

	// CountryDBPath is the path to the GeoLite2/GeoIP2 country database.
	CountryDBPath string

	// ASNDBPath is the path to the GeoLite2/GeoIP2 ASN database.
	ASNDBPath string

	// CacheSize overrides the LRU cache size when positive.
	CacheSize int
}

// lookupResult is a cached resolution of one address.
type lookupResult struct {
	country string
	asn     ASN
}

// MaxMind is a [Resolver] reading MaxMind-format binary databases with an LRU
// cache in front.
type MaxMind struct {
	logger  *slog.Logger
	country *geoip2.Reader
	asn     *geoip2.Reader
	cache   gcache.Cache
}

// OpenMaxMind opens the configured databases.  c must not be nil.
func OpenMaxMind(c *MaxMindConfig) (m *MaxMind, err error) {
	country, err := geoip2.Open(c.CountryDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening country database: %w", err)
	}

	asn, err := geoip2.Open(c.ASNDBPath)
	if err != nil {
		return nil, errors.WithDeferred(
			fmt.Errorf("opening asn database: %w", err),
			country.Close(),
		)
	}

	size := c.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	return &MaxMind{
		logger:  c.Logger,
		country: country,
		asn:     asn,
		cache:   gcache.New(size).LRU().Build(),
	}, nil
}

// type check
var _ Resolver = (*MaxMind)(nil)

// CountryOf implements the [Resolver] interface for *MaxMind.
func (m *MaxMind) CountryOf(ip netip.Addr) (code string) {
	return m.resolve(ip).country
}

// ASNOf implements the [Resolver] interface for *MaxMind.
func (m *MaxMind) ASNOf(ip netip.Addr) (asn ASN) {
	return m.resolve(ip).asn
}

// resolve returns the cached result for ip, performing the database lookups
// on a cache miss.
func (m *MaxMind) resolve(ip netip.Addr) (res lookupResult) {
	key := ip.String()

	if v, err := m.cache.Get(key); err == nil {
		if cached, ok := v.(lookupResult); ok {
			return cached
		}
	}

	res = m.lookup(ip)

	// The only possible error is from an eviction handler, and LRU has none.
	_ = m.cache.Set(key, res)

	return res
}

// lookup performs the raw database lookups.  Misses produce sentinels, not
// errors.
func (m *MaxMind) lookup(ip netip.Addr) (res lookupResult) {
	ctx := context.Background()
	res.country = Unknown

	netIP := ip.Unmap().AsSlice()

	country, err := m.country.Country(netIP)
	if err != nil {
		m.logger.DebugContext(ctx, "country lookup", "ip", ip, slogutil.KeyError, err)
	} else if country.Country.IsoCode != "" {
		res.country = country.Country.IsoCode
	}

	asn, err := m.asn.ASN(netIP)
	if err != nil {
		m.logger.DebugContext(ctx, "asn lookup", "ip", ip, slogutil.KeyError, err)
	} else {
		res.asn = ASN{
			Organization: asn.AutonomousSystemOrganization,
			Number:       asn.AutonomousSystemNumber,
		}
	}

	return res
}

// Close releases the database handles.
func (m *MaxMind) Close() (err error) {
	return errors.WithDeferred(m.country.Close(), m.asn.Close())
}
