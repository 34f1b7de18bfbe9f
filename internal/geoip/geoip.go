// Package geoip resolves visitor IP addresses to country and ASN information
// from local binary databases.
package geoip

import (
	"net/netip"
)

// Unknown is the sentinel country code returned for addresses that cannot be
// resolved.  Lookup misses are not errors.
const Unknown = "UNKNOWN"

// ASN describes the autonomous system owning an address.  The zero value
// means the ASN could not be resolved.
type ASN struct {
	// Organization is the operator name, e.g. "GOOGLE".  Empty if unknown.
	Organization string

	// Number is the autonomous system number.  Zero if unknown.
	Number uint
}

// Resolver resolves addresses to geographic and network-operator data.
// Implementations return sentinels, never errors, on lookup misses.
type Resolver interface {
	// CountryOf returns the ISO 3166-1 country code for ip, or [Unknown].
	CountryOf(ip netip.Addr) (code string)

	// ASNOf returns the ASN information for ip, or the zero [ASN].
	ASNOf(ip netip.Addr) (asn ASN)
}

// Static is a fixed-map [Resolver] for tests and local runs without MaxMind
// databases.
type Static struct {
	// Countries maps addresses to country codes.
	Countries map[netip.Addr]string

	// ASNs maps addresses to ASN information.
	ASNs map[netip.Addr]ASN
}

// type check
var _ Resolver = (*Static)(nil)

// CountryOf implements the [Resolver] interface for *Static.
func (s *Static) CountryOf(ip netip.Addr) (code string) {
	if code, ok := s.Countries[ip]; ok {
		return code
	}

	return Unknown
}

// ASNOf implements the [Resolver] interface for *Static.
func (s *Static) ASNOf(ip netip.Addr) (asn ASN) {
	return s.ASNs[ip]
}
