package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/linkgate/linkgate/internal/headerscore"
	"github.com/linkgate/linkgate/internal/version"
	"gopkg.in/yaml.v3"
)

// Arguments handled before regular flag parsing.
const (
	argConfigPath = "--config-path="
	argVersion    = "--version"
)

// configuration represents the gateway settings, merged from the yaml file
// and command-line options.
type configuration struct {
	// ConfigPath is the path to the yaml configuration file.  It is read
	// before the flags so that options passed through the command line
	// override the ones from the file.
	ConfigPath string `yaml:"-"`

	// LogOutput is the path to the log file.  Empty means stdout.
	LogOutput string `yaml:"output"`

	// ListenAddr is the TCP address the HTTP service listens on.
	ListenAddr string `yaml:"listen-addr"`

	// RedisAddr is the address of the shared rate-limit counter store.  Empty
	// means the in-process limiter.
	RedisAddr string `yaml:"redis-addr"`

	// PoliciesPath is the path to the yaml file with shortlink policies.
	PoliciesPath string `yaml:"policies"`

	// ListsDir is the directory holding the reference list files.
	ListsDir string `yaml:"lists-dir"`

	// CIDRList is the blocked-network list file name within ListsDir.
	CIDRList string `yaml:"cidr-list"`

	// BotList is the bot-IP list file name within ListsDir.
	BotList string `yaml:"bot-list"`

	// CountryDBPath is the path to the MaxMind country database.
	CountryDBPath string `yaml:"country-mmdb"`

	// ASNDBPath is the path to the MaxMind ASN database.
	ASNDBPath string `yaml:"asn-mmdb"`

	// RegistrySource is the language-subtag registry URL or file path.
	RegistrySource string `yaml:"language-registry"`

	// IntelAPIKey is the credential for the third-party reputation service.
	// Empty disables the reputation fallback.
	IntelAPIKey string `yaml:"intel-api-key"`

	// IntelBaseURL overrides the reputation service endpoint.
	IntelBaseURL string `yaml:"intel-url"`

	// BlockedOrgs overrides the built-in hosting-provider block list.
	BlockedOrgs []string `yaml:"blocked-orgs"`

	// IntelTimeout is the per-call reputation service timeout.
	IntelTimeout timeutil.Duration `yaml:"intel-timeout"`

	// RateWindow is the rate-limit counting window.
	RateWindow timeutil.Duration `yaml:"rate-window"`

	// RedirectRate is the per-address request budget for the redirect
	// endpoint within RateWindow.
	RedirectRate int `yaml:"redirect-rate"`

	// CheckRate is the per-address request budget for the diagnostic check
	// endpoint within RateWindow.
	CheckRate int `yaml:"check-rate"`

	// help makes the gateway print the usage message and exit.
	help bool

	// Pprof defines whether the pprof information needs to be exposed via
	// localhost:6060.
	Pprof bool `yaml:"pprof"`

	// Version makes the gateway print the version and exit.
	Version bool `yaml:"-"`

	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose"`
}

// defaultConfiguration returns the configuration with the default values set.
func defaultConfiguration() (conf *configuration) {
	return &configuration{
		ListenAddr:     ":8080",
		PoliciesPath:   "policies.yaml",
		ListsDir:       "data",
		CIDRList:       "blocked.cidr",
		BotList:        "bots.txt",
		RegistrySource: headerscore.DefaultRegistryURL,
		IntelTimeout:   timeutil.Duration{Duration: 2 * time.Second},
		RateWindow:     timeutil.Duration{Duration: time.Minute},
		RedirectRate:   5,
		CheckRate:      10,
	}
}

// parseConfigFile fills conf with the settings from the file read by the
// given path.
func parseConfigFile(conf *configuration, confPath string) (err error) {
	// #nosec G304 -- Trust the file path that is given in the args.
	b, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	err = yaml.Unmarshal(b, conf)
	if err != nil {
		return fmt.Errorf("unmarshalling file: %w", err)
	}

	return nil
}

// parseConfig returns the configuration to run or nil if the process should
// exit with exitCode right away.
func parseConfig() (conf *configuration, exitCode int, err error) {
	conf = defaultConfiguration()

	for _, arg := range os.Args[1:] {
		if arg == argVersion {
			fmt.Printf("linkgate version: %s\n", version.Version())

			return nil, osutil.ExitCodeSuccess, nil
		} else if strings.HasPrefix(arg, argConfigPath) {
			confPath := strings.TrimPrefix(arg, argConfigPath)

			err = parseConfigFile(conf, confPath)
			if err != nil {
				return nil, osutil.ExitCodeFailure, fmt.Errorf(
					"parsing config file %s: %w",
					confPath,
					err,
				)
			}
		}
	}

	parseErr := parseCmdLineOptions(conf)
	exitCode, needExit := processCmdLineOptions(conf, parseErr)
	if needExit {
		return nil, exitCode, nil
	}

	return conf, exitCode, nil
}
