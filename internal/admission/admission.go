// Package admission implements the ordered chain of checks deciding whether
// a visitor request is admitted to its redirect target.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/linkgate/linkgate/internal/cidrset"
	"github.com/linkgate/linkgate/internal/headerscore"
	"github.com/linkgate/linkgate/internal/intel"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/reflist"
)

// Reason is the machine-readable cause of a terminal verdict.
type Reason string

// Verdict reasons.  ReasonWhitelisted is informational, it accompanies a
// bypass, not a block.
const (
	ReasonWhitelisted      Reason = "whitelisted_ip"
	ReasonIPBlacklist      Reason = "ip_blacklist"
	ReasonDeviceNotAllowed Reason = "device_not_allowed"
	ReasonCountryBlocked   Reason = "country_blocked"
	ReasonCIDRBlocked      Reason = "cidr_blocked"
	ReasonASNBlocked       Reason = "asn_blocked"
	ReasonBotDetected      Reason = "bot_detected"
)

// Kind is the category of a verdict.
type Kind uint8

// Verdict kinds.
const (
	// KindPass admits the request to the active destination.
	KindPass Kind = iota

	// KindBypass admits the request unconditionally, skipping every other
	// check.
	KindBypass

	// KindBlock refuses the request.
	KindBlock
)

// Verdict is the pipeline's terminal decision for one request.
type Verdict struct {
	// Reason is set for blocks and for whitelist bypasses.
	Reason Reason

	// Kind is the decision category.
	Kind Kind
}

// Check is a single admission check.  Evaluate returns nil to let the chain
// continue, or a terminal verdict.  Checks must treat both arguments as
// read-only.
type Check interface {
	// Name returns the short name of the check for logging.
	Name() (name string)

	// Evaluate runs the check.  An error aborts the whole evaluation and is
	// handled at the service boundary; checks that can degrade gracefully do
	// so internally and don't return errors for expected failures.
	Evaluate(ctx context.Context, pol *policy.Policy, vc *VisitorContext) (v *Verdict, err error)
}

// DefaultBlockedOrgs is the fixed list of network-operator name fragments
// treated as hosting or infrastructure providers.  Matching is uppercase
// substring containment.
var DefaultBlockedOrgs = []string{
	"GOOGLE", "AMAZON", "MICROSOFT", "DIGITALOCEAN", "OVH", "LINODE",
	"FACEBOOK", "TWITTER", "CLOUDFLARE", "FASTLY", "TALKTALK", "AKAMAI",
	"VIRGIN MEDIA", "ESTNOC", "HETZNER", "SOFTLAYER", "IBM", "ORACLE",
	"YAHOO", "LIMESTONE NETWORKS", "BELL CANADA", "PACKETHUB",
	"VIDEOTRON LTEE", "M247 EUROPE SRL", "APPLE-ENGINEERING", "MIDCONTINENT",
	"SHARKTECH", "DEDICATED.COM", "WEB OBJECTS LLC", "HOSTROYALE",
	"QUICKPACKET", "AS-VULTR", "UAB", "J&Y", "UNIFIEDLAYER-AS-1",
	"OEC-FIBER", "UUNET",
}

// Config is the configuration for [New].
type Config struct {
	// Logger is used for logging check decisions.  It must not be nil.
	Logger *slog.Logger

	// CIDR matches visitor addresses against the blocked-network list.  It
	// must not be nil.
	CIDR *cidrset.Matcher

	// Lists is the reference-list store holding the bot-IP list.  It must
	// not be nil.
	Lists *reflist.Store

	// BotListSource is the name of the bot-IP list within Lists.
	BotListSource string

	// Scorer scores request headers.  It must not be nil.
	Scorer *headerscore.Scorer

	// Intel is the third-party reputation fallback.  It may be nil, in which
	// case the fallback is skipped.
	Intel intel.Checker

	// BlockedOrgs overrides [DefaultBlockedOrgs] when non-empty.
	BlockedOrgs []string
}

// Pipeline evaluates the fixed ordered check chain.  The order is a policy
// decision: the whitelist is checked first so legitimate partners always
// pass, the blacklist second so explicit denials beat softer heuristics, and
// the costly external checks come last.
type Pipeline struct {
	logger *slog.Logger
	checks []Check
}

// New creates a pipeline.  c must be valid.
func New(c *Config) (p *Pipeline, err error) {
	blockedOrgs := c.BlockedOrgs
	if len(blockedOrgs) == 0 {
		blockedOrgs = DefaultBlockedOrgs
	}

	botCheck, err := newBotCheck(c)
	if err != nil {
		return nil, fmt.Errorf("creating bot check: %w", err)
	}

	return &Pipeline{
		logger: c.Logger,
		checks: []Check{
			&whitelistCheck{},
			&blacklistCheck{},
			&deviceCheck{},
			&countryCheck{},
			&cidrCheck{matcher: c.CIDR},
			&asnCheck{blockedOrgs: blockedOrgs},
			botCheck,
		},
	}, nil
}

// Evaluate runs the checks in order and returns the first terminal verdict,
// or a pass when none terminates.  Evaluating the same (pol, vc) pair twice
// with no intervening state change yields the same verdict.
func (p *Pipeline) Evaluate(
	ctx context.Context,
	pol *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	for _, c := range p.checks {
		v, err = c.Evaluate(ctx, pol, vc)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", c.Name(), err)
		}

		if v != nil {
			p.logger.DebugContext(
				ctx,
				"check terminated evaluation",
				"check", c.Name(),
				"ip", vc.IP,
				"reason", v.Reason,
			)

			return v, nil
		}
	}

	return &Verdict{Kind: KindPass}, nil
}

// botList is the hot-reloadable set of known bot addresses.
type botList struct {
	current atomic.Pointer[container.MapSet[string]]
}

// newBotList loads the initial set and subscribes to reloads.
func newBotList(lists *reflist.Store, source string) (bl *botList, err error) {
	lines, err := lists.Load(source)
	if err != nil {
		return nil, err
	}

	bl = &botList{}
	bl.current.Store(container.NewMapSet(lines...))

	lists.Subscribe(source, func(updated []string) {
		bl.current.Store(container.NewMapSet(updated...))
	})

	return bl, nil
}

// has reports whether ip is a known bot address.
func (bl *botList) has(ip string) (ok bool) {
	return bl.current.Load().Has(ip)
}

// logDegraded records an expected collaborator failure that the pipeline
// absorbs.
func logDegraded(ctx context.Context, l *slog.Logger, check string, err error) {
	l.WarnContext(ctx, "check degraded", "check", check, slogutil.KeyError, err)
}
