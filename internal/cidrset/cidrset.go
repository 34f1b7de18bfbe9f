// Package cidrset implements longest-prefix matching of IP addresses against
// a set of CIDR blocks.  The matching structure is immutable per generation
// and is replaced wholesale when the backing list changes.
package cidrset

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/linkgate/linkgate/internal/reflist"
)

// node is a binary-trie node.  A leaf marks the end of an inserted prefix;
// anything below a leaf is covered by it, so leaves carry no children.
type node struct {
	left, right *node
	leaf        bool
}

// Router answers whether an IP address falls within any of the CIDR blocks it
// was built from.  It is immutable after [NewRouter] returns and is safe for
// concurrent use.
type Router struct {
	root4 *node
	root6 *node
	size  int
}

// NewRouter builds a Router from cidrs.  Malformed entries are skipped and
// logged, they never abort the build.  Entries without a prefix length are
// treated as host routes.  l must not be nil.
func NewRouter(ctx context.Context, l *slog.Logger, cidrs []string) (r *Router) {
	r = &Router{
		root4: &node{},
		root6: &node{},
	}

	for _, c := range cidrs {
		p, err := parsePrefix(c)
		if err != nil {
			l.WarnContext(ctx, "skipping bad cidr entry", "entry", c, slogutil.KeyError, err)

			continue
		}

		r.insert(p)
		r.size++
	}

	return r
}

// parsePrefix parses s as a CIDR block or, when it carries no prefix length,
// as a single address.
func parsePrefix(s string) (p netip.Prefix, err error) {
	if strings.Contains(s, "/") {
		p, err = netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}

		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}

	addr = addr.Unmap()

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// insert adds p as a route.  A shorter prefix already present subsumes p.
func (r *Router) insert(p netip.Prefix) {
	addr := p.Addr().Unmap()

	var bytes []byte
	n := r.root6
	if addr.Is4() {
		a := addr.As4()
		bytes = a[:]
		n = r.root4
	} else {
		a := addr.As16()
		bytes = a[:]
	}

	for i := range p.Bits() {
		if n.leaf {
			return
		}

		if bit(bytes, i) == 1 {
			if n.right == nil {
				n.right = &node{}
			}
			n = n.right
		} else {
			if n.left == nil {
				n.left = &node{}
			}
			n = n.left
		}
	}

	// Anything under this prefix is covered, drop the subtree.
	n.left, n.right, n.leaf = nil, nil, true
}

// Matches returns true iff ip falls within any inserted prefix.  The lookup
// cost is bounded by the prefix length.
func (r *Router) Matches(ip netip.Addr) (ok bool) {
	ip = ip.Unmap()

	var bytes []byte
	n := r.root6
	if ip.Is4() {
		a := ip.As4()
		bytes = a[:]
		n = r.root4
	} else {
		a := ip.As16()
		bytes = a[:]
	}

	for i := range ip.BitLen() {
		if n.leaf {
			return true
		}

		if bit(bytes, i) == 1 {
			n = n.right
		} else {
			n = n.left
		}

		if n == nil {
			return false
		}
	}

	return n.leaf
}

// Size returns the number of inserted entries.
func (r *Router) Size() (n int) {
	return r.size
}

// bit returns the i'th bit of b counting from the most significant bit of the
// first byte.
func bit(b []byte, i int) (v byte) {
	return b[i/8] >> (7 - i%8) & 1
}

// MatcherConfig is the configuration for [NewMatcher].
type MatcherConfig struct {
	// Logger is used for logging router rebuilds.  It must not be nil.
	Logger *slog.Logger

	// Lists is the store the CIDR list is loaded from.  It must not be nil.
	Lists *reflist.Store

	// Source is the name of the CIDR list within Lists.
	Source string
}

// Matcher keeps the current [Router] generation for a hot-reloadable CIDR
// list.  Readers always observe a complete router, rebuilds swap a fresh one
// in atomically.
type Matcher struct {
	current atomic.Pointer[Router]
}

// NewMatcher builds the initial router from the configured list and arranges
// for a rebuild on every list change.  c must be valid.
func NewMatcher(ctx context.Context, c *MatcherConfig) (m *Matcher, err error) {
	lines, err := c.Lists.Load(c.Source)
	if err != nil {
		return nil, err
	}

	m = &Matcher{}
	m.current.Store(NewRouter(ctx, c.Logger, lines))

	c.Lists.Subscribe(c.Source, func(updated []string) {
		r := NewRouter(ctx, c.Logger, updated)
		m.current.Store(r)
		c.Logger.InfoContext(ctx, "cidr router rebuilt", "entries", r.Size())
	})

	return m, nil
}

// Matches reports whether ip is inside any blocked network of the current
// router generation.
func (m *Matcher) Matches(ip netip.Addr) (ok bool) {
	return m.current.Load().Matches(ip)
}
