// Package policy defines the per-shortlink ruleset consumed by the admission
// pipeline and resolves block verdicts into concrete HTTP outcomes.
package policy

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
	"gopkg.in/yaml.v3"
)

// Device is the allowed-device selector of a policy.
type Device string

// Allowed-device selector values.
const (
	DeviceBoth    Device = "both"
	DeviceMobile  Device = "mobile"
	DeviceDesktop Device = "desktop"
)

// CountryAll is the allowed-country selector value admitting any country.
const CountryAll = "all"

// Policy is one shortlink's ruleset.  It is owned by the management layer;
// the core reads a snapshot per request and never mutates it.
type Policy struct {
	// Key identifies the redirect target.
	Key string `yaml:"key"`

	// ActiveURL is the currently live destination.  Empty means no live
	// destination is configured.
	ActiveURL string `yaml:"active_url"`

	// AllowedDevice selects which device classes may pass.
	AllowedDevice Device `yaml:"allowed_device"`

	// AllowedCountry is an ISO 3166-1 code or [CountryAll].
	AllowedCountry string `yaml:"allowed_country"`

	// BotRedirection is the block directive: empty for a 403, a numeric
	// status code, an absolute URL, or the literal "random".
	BotRedirection string `yaml:"bot_redirection"`

	// IPWhitelist is the set of exact addresses that always bypass every
	// check.
	IPWhitelist []string `yaml:"ip_whitelist"`

	// IPBlacklist is the set of exact addresses that are always blocked.
	IPBlacklist []string `yaml:"ip_blacklist"`
}

// Whitelisted reports whether ip is an exact whitelist match.
func (p *Policy) Whitelisted(ip string) (ok bool) {
	return slices.Contains(p.IPWhitelist, ip)
}

// Blacklisted reports whether ip is an exact blacklist match.
func (p *Policy) Blacklisted(ip string) (ok bool) {
	return slices.Contains(p.IPBlacklist, ip)
}

// ErrNotFound is returned by providers for unknown keys.
const ErrNotFound errors.Error = "policy not found"

// Provider resolves the policy snapshot for a shortlink key.  The real
// management store lives outside the core; implementations adapt it to this
// contract.
type Provider interface {
	Policy(ctx context.Context, key string) (p *Policy, err error)
}

// FileProvider is a [Provider] reading policies from a single yaml file, used
// for standalone runs and tests.
type FileProvider struct {
	policies map[string]*Policy
}

// NewFileProvider loads all policies from the yaml file at path.
func NewFileProvider(path string) (fp *FileProvider, err error) {
	// #nosec G304 -- Trust the file path from the configuration.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policies: %w", err)
	}

	var pols []*Policy
	err = yaml.Unmarshal(b, &pols)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling policies: %w", err)
	}

	fp = &FileProvider{
		policies: make(map[string]*Policy, len(pols)),
	}
	for _, p := range pols {
		if p.AllowedDevice == "" {
			p.AllowedDevice = DeviceBoth
		}
		if p.AllowedCountry == "" {
			p.AllowedCountry = CountryAll
		}

		fp.policies[p.Key] = p
	}

	return fp, nil
}

// type check
var _ Provider = (*FileProvider)(nil)

// Policy implements the [Provider] interface for *FileProvider.
func (fp *FileProvider) Policy(_ context.Context, key string) (p *Policy, err error) {
	p, ok := fp.policies[key]
	if !ok {
		return nil, ErrNotFound
	}

	return p, nil
}
