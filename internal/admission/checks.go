package admission

import (
	"context"
	"log/slog"
	"strings"

	"github.com/linkgate/linkgate/internal/cidrset"
	"github.com/linkgate/linkgate/internal/headerscore"
	"github.com/linkgate/linkgate/internal/intel"
	"github.com/linkgate/linkgate/internal/policy"
)

// whitelistCheck bypasses every other check for exact whitelist matches.
type whitelistCheck struct{}

// Name implements the [Check] interface for *whitelistCheck.
func (c *whitelistCheck) Name() (name string) { return "whitelist" }

// Evaluate implements the [Check] interface for *whitelistCheck.
func (c *whitelistCheck) Evaluate(
	_ context.Context,
	pol *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	if pol.Whitelisted(vc.IP.String()) {
		return &Verdict{Kind: KindBypass, Reason: ReasonWhitelisted}, nil
	}

	return nil, nil
}

// blacklistCheck blocks exact blacklist matches.
type blacklistCheck struct{}

// Name implements the [Check] interface for *blacklistCheck.
func (c *blacklistCheck) Name() (name string) { return "blacklist" }

// Evaluate implements the [Check] interface for *blacklistCheck.
func (c *blacklistCheck) Evaluate(
	_ context.Context,
	pol *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	if pol.Blacklisted(vc.IP.String()) {
		return &Verdict{Kind: KindBlock, Reason: ReasonIPBlacklist}, nil
	}

	return nil, nil
}

// deviceCheck blocks device classes the policy doesn't admit.  A tablet
// counts as mobile.
type deviceCheck struct{}

// Name implements the [Check] interface for *deviceCheck.
func (c *deviceCheck) Name() (name string) { return "device" }

// Evaluate implements the [Check] interface for *deviceCheck.
func (c *deviceCheck) Evaluate(
	_ context.Context,
	pol *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	switch pol.AllowedDevice {
	case policy.DeviceMobile:
		if vc.Device == DeviceDesktop {
			return &Verdict{Kind: KindBlock, Reason: ReasonDeviceNotAllowed}, nil
		}
	case policy.DeviceDesktop:
		if vc.Device != DeviceDesktop {
			return &Verdict{Kind: KindBlock, Reason: ReasonDeviceNotAllowed}, nil
		}
	default:
		// Both or unset, nothing to do.
	}

	return nil, nil
}

// countryCheck blocks countries other than the policy's allowed one.
type countryCheck struct{}

// Name implements the [Check] interface for *countryCheck.
func (c *countryCheck) Name() (name string) { return "country" }

// Evaluate implements the [Check] interface for *countryCheck.
func (c *countryCheck) Evaluate(
	_ context.Context,
	pol *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	allowed := pol.AllowedCountry
	if allowed == "" || allowed == policy.CountryAll || allowed == vc.Country {
		return nil, nil
	}

	return &Verdict{Kind: KindBlock, Reason: ReasonCountryBlocked}, nil
}

// cidrCheck blocks addresses inside any blocked network.
type cidrCheck struct {
	matcher *cidrset.Matcher
}

// Name implements the [Check] interface for *cidrCheck.
func (c *cidrCheck) Name() (name string) { return "cidr" }

// Evaluate implements the [Check] interface for *cidrCheck.
func (c *cidrCheck) Evaluate(
	_ context.Context,
	_ *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	if c.matcher.Matches(vc.IP) {
		return &Verdict{Kind: KindBlock, Reason: ReasonCIDRBlocked}, nil
	}

	return nil, nil
}

// asnCheck blocks addresses owned by known hosting providers, by uppercase
// substring match on the organization name.
type asnCheck struct {
	blockedOrgs []string
}

// Name implements the [Check] interface for *asnCheck.
func (c *asnCheck) Name() (name string) { return "asn" }

// Evaluate implements the [Check] interface for *asnCheck.
func (c *asnCheck) Evaluate(
	_ context.Context,
	_ *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	org := vc.ASN.Organization
	if org == "" {
		// Unresolved ASN never gates a hard block.
		return nil, nil
	}

	orgUpper := strings.ToUpper(org)
	for _, pattern := range c.blockedOrgs {
		if strings.Contains(orgUpper, pattern) {
			return &Verdict{Kind: KindBlock, Reason: ReasonASNBlocked}, nil
		}
	}

	return nil, nil
}

// botCheck combines the bot-IP list, the header risk score, and the
// third-party reputation tie-breaker.
type botCheck struct {
	logger *slog.Logger
	list   *botList
	scorer *headerscore.Scorer
	intel  intel.Checker
}

// newBotCheck builds the bot check from the pipeline configuration.
func newBotCheck(c *Config) (bc *botCheck, err error) {
	list, err := newBotList(c.Lists, c.BotListSource)
	if err != nil {
		return nil, err
	}

	return &botCheck{
		logger: c.Logger,
		list:   list,
		scorer: c.Scorer,
		intel:  c.Intel,
	}, nil
}

// Name implements the [Check] interface for *botCheck.
func (c *botCheck) Name() (name string) { return "bot" }

// Evaluate implements the [Check] interface for *botCheck.  Local signals run
// first; the reputation service is consulted only when they are inconclusive,
// and its failure degrades to a non-bot answer since the earlier checks have
// already narrowed exposure.
func (c *botCheck) Evaluate(
	ctx context.Context,
	_ *policy.Policy,
	vc *VisitorContext,
) (v *Verdict, err error) {
	if c.list.has(vc.IP.String()) {
		return &Verdict{Kind: KindBlock, Reason: ReasonBotDetected}, nil
	}

	a, err := c.scorer.Score(ctx, vc.Headers)
	if err != nil {
		// A scorer failure is a real internal error, not a degradable one:
		// treating every header set as clean or dirty would be worse.
		return nil, err
	}

	if a.Blocked() {
		c.logger.DebugContext(
			ctx,
			"blocked by header score",
			"ip", vc.IP,
			"score", a.Score,
			"risk", a.Risk,
			"reasons", a.Reasons,
		)

		return &Verdict{Kind: KindBlock, Reason: ReasonBotDetected}, nil
	}

	if c.intel == nil {
		return nil, nil
	}

	isBot, err := c.intel.IsBot(ctx, vc.IP)
	if err != nil {
		logDegraded(ctx, c.logger, c.Name(), err)

		return nil, nil
	}

	if isBot {
		return &Verdict{Kind: KindBlock, Reason: ReasonBotDetected}, nil
	}

	return nil, nil
}
