package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/linkgate/linkgate/internal/version"
)

// Indexes to help with the [commandLineOptions] initialization.
const (
	configPathIdx = iota
	logOutputIdx
	listenAddrIdx
	redisAddrIdx
	policiesIdx
	listsDirIdx
	cidrListIdx
	botListIdx
	countryDBIdx
	asnDBIdx
	registryIdx
	intelAPIKeyIdx
	intelURLIdx
	intelTimeoutIdx
	blockedOrgsIdx
	rateWindowIdx
	redirectRateIdx
	checkRateIdx
	helpIdx
	pprofIdx
	versionIdx
	verboseIdx
)

// commandLineOption contains information about a command-line option: its long
// and, if there is one, short forms, the value type, and the description.
type commandLineOption struct {
	description string
	long        string
	short       string
	valueType   string
}

// commandLineOptions are all command-line options currently supported by the
// binary.
var commandLineOptions = []*commandLineOption{
	configPathIdx: {
		description: "YAML configuration file. Minimal working configuration in config.yaml.dist." +
			" Options passed through command line will override the ones from this file.",
		long:      "config-path",
		short:     "",
		valueType: "path",
	},
	logOutputIdx: {
		description: "Path to the log file.",
		long:        "output",
		short:       "o",
		valueType:   "path",
	},
	listenAddrIdx: {
		description: "Address for the HTTP service to listen on.",
		long:        "listen",
		short:       "l",
		valueType:   "address",
	},
	redisAddrIdx: {
		description: "Address of the Redis server backing the shared rate limiter. If not set, " +
			"an in-process limiter is used.",
		long:      "redis",
		short:     "",
		valueType: "address",
	},
	policiesIdx: {
		description: "Path to the YAML file with shortlink policies.",
		long:        "policies",
		short:       "",
		valueType:   "path",
	},
	listsDirIdx: {
		description: "Directory with the reference list files. Changes to the files are picked " +
			"up without a restart.",
		long:      "lists-dir",
		short:     "",
		valueType: "path",
	},
	cidrListIdx: {
		description: "Blocked-network list file name within the lists directory.",
		long:        "cidr-list",
		short:       "",
		valueType:   "name",
	},
	botListIdx: {
		description: "Bot-IP list file name within the lists directory.",
		long:        "bot-list",
		short:       "",
		valueType:   "name",
	},
	countryDBIdx: {
		description: "Path to the MaxMind country database. If not set, country checks are " +
			"skipped.",
		long:      "country-mmdb",
		short:     "",
		valueType: "path",
	},
	asnDBIdx: {
		description: "Path to the MaxMind ASN database. If not set, ASN checks are skipped.",
		long:        "asn-mmdb",
		short:       "",
		valueType:   "path",
	},
	registryIdx: {
		description: "Language-subtag registry URL or local file path used for Accept-Language " +
			"validation.",
		long:      "language-registry",
		short:     "",
		valueType: "source",
	},
	intelAPIKeyIdx: {
		description: "API key for the third-party IP reputation service. If not set, the " +
			"reputation fallback is disabled.",
		long:      "intel-api-key",
		short:     "",
		valueType: "key",
	},
	intelURLIdx: {
		description: "Base URL of the third-party IP reputation service.",
		long:        "intel-url",
		short:       "",
		valueType:   "url",
	},
	intelTimeoutIdx: {
		description: "Timeout for reputation service calls in a human-readable form.",
		long:        "intel-timeout",
		short:       "",
		valueType:   "duration",
	},
	blockedOrgsIdx: {
		description: "Network-operator name fragment to block, can be specified multiple times. " +
			"Overrides the built-in hosting-provider list.",
		long:      "blocked-org",
		short:     "",
		valueType: "name",
	},
	rateWindowIdx: {
		description: "Rate-limit counting window in a human-readable form.",
		long:        "rate-window",
		short:       "",
		valueType:   "duration",
	},
	redirectRateIdx: {
		description: "Requests admitted per address per window on the redirect endpoint.",
		long:        "redirect-rate",
		short:       "",
		valueType:   "int",
	},
	checkRateIdx: {
		description: "Requests admitted per address per window on the diagnostic check endpoint.",
		long:        "check-rate",
		short:       "",
		valueType:   "int",
	},
	helpIdx: {
		description: "Print this help message and quit.",
		long:        "help",
		short:       "h",
		valueType:   "",
	},
	pprofIdx: {
		description: "If present, exposes pprof information on localhost:6060.",
		long:        "pprof",
		short:       "",
		valueType:   "",
	},
	versionIdx: {
		description: "Prints the program version.",
		long:        "version",
		short:       "",
		valueType:   "",
	},
	verboseIdx: {
		description: "Verbose output.",
		long:        "verbose",
		short:       "v",
		valueType:   "",
	},
}

// parseCmdLineOptions parses the command-line options.  conf must not be nil.
func parseCmdLineOptions(conf *configuration) (err error) {
	cmdName, args := os.Args[0], os.Args[1:]

	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
	for i, fieldPtr := range []any{
		configPathIdx:   &conf.ConfigPath,
		logOutputIdx:    &conf.LogOutput,
		listenAddrIdx:   &conf.ListenAddr,
		redisAddrIdx:    &conf.RedisAddr,
		policiesIdx:     &conf.PoliciesPath,
		listsDirIdx:     &conf.ListsDir,
		cidrListIdx:     &conf.CIDRList,
		botListIdx:      &conf.BotList,
		countryDBIdx:    &conf.CountryDBPath,
		asnDBIdx:        &conf.ASNDBPath,
		registryIdx:     &conf.RegistrySource,
		intelAPIKeyIdx:  &conf.IntelAPIKey,
		intelURLIdx:     &conf.IntelBaseURL,
		intelTimeoutIdx: &conf.IntelTimeout,
		blockedOrgsIdx:  &conf.BlockedOrgs,
		rateWindowIdx:   &conf.RateWindow,
		redirectRateIdx: &conf.RedirectRate,
		checkRateIdx:    &conf.CheckRate,
		helpIdx:         &conf.help,
		pprofIdx:        &conf.Pprof,
		versionIdx:      &conf.Version,
		verboseIdx:      &conf.Verbose,
	} {
		addOption(flags, fieldPtr, commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, os.Stderr) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	return nil
}

// defineFlag defines a flag with specified setFlag function.  o must not be
// nil.
func defineFlag[T any](
	fieldPtr *T,
	o *commandLineOption,
	setFlag func(p *T, name string, value T, usage string),
) {
	setFlag(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		setFlag(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// defineFlagVar defines a flag with the specified [flag.Value] value.  o must
// not be nil.
func defineFlagVar(flags *flag.FlagSet, value flag.Value, o *commandLineOption) {
	flags.Var(value, o.long, o.description)
	if o.short != "" {
		flags.Var(value, o.short, o.description)
	}
}

// defineTimeutilDurationFlag defines a flag with for the specified
// [*timeutil.Duration] pointer and command line option.  o must not be nil.
func defineTimeutilDurationFlag(
	flags *flag.FlagSet,
	fieldPtr *timeutil.Duration,
	o *commandLineOption,
) {
	flags.TextVar(fieldPtr, o.long, *fieldPtr, o.description)
	if o.short != "" {
		flags.TextVar(fieldPtr, o.short, *fieldPtr, o.description)
	}
}

// addOption adds the command-line option described by o to flags using fieldPtr
// as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		defineFlag(fieldPtr, o, flags.StringVar)
	case *bool:
		defineFlag(fieldPtr, o, flags.BoolVar)
	case *int:
		defineFlag(fieldPtr, o, flags.IntVar)
	case *[]string:
		defineFlagVar(flags, newStringSliceValue(fieldPtr), o)
	case *timeutil.Duration:
		defineTimeutilDurationFlag(flags, fieldPtr, o)
	default:
		panic(fmt.Errorf("unexpected field pointer type %T: %w", fieldPtr, errors.ErrBadEnumValue))
	}
}

// usage prints a usage message similar to the one printed by package flag but
// taking long vs. short versions into account as well as using more informative
// value hints.
func usage(cmdName string, output io.Writer) {
	options := slices.Clone(commandLineOptions)
	slices.SortStableFunc(options, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s:\n", cmdName)

	for _, o := range options {
		writeUsageLine(b, o)

		// Use four spaces before the tab to trigger good alignment for both 4-
		// and 8-space tab stops.
		_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
	}

	_, _ = io.WriteString(output, b.String())
}

// writeUsageLine writes the usage line for the provided command-line option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	if o.short == "" {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		return
	}

	if o.valueType == "" {
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	} else {
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// processCmdLineOptions decides if the gateway should exit depending on the
// results of command-line option parsing.
func processCmdLineOptions(conf *configuration, parseErr error) (exitCode int, needExit bool) {
	if parseErr != nil {
		// Assume that usage has already been printed.
		return osutil.ExitCodeArgumentError, true
	}

	if conf.help {
		usage(os.Args[0], os.Stdout)

		return osutil.ExitCodeSuccess, true
	}

	if conf.Version {
		fmt.Printf("linkgate version %s\n", version.Version())

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}
