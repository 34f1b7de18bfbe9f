package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/linkgate/linkgate/internal/admission"
	"github.com/linkgate/linkgate/internal/cidrset"
	"github.com/linkgate/linkgate/internal/geoip"
	"github.com/linkgate/linkgate/internal/headerscore"
	"github.com/linkgate/linkgate/internal/intel"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/ratelimit"
	"github.com/linkgate/linkgate/internal/reflist"
	"github.com/linkgate/linkgate/internal/stats"
	"github.com/linkgate/linkgate/internal/websvc"
	"github.com/redis/go-redis/v9"
)

// gateway bundles the running web service with the resources it owns.
type gateway struct {
	svc   *websvc.Service
	lists *reflist.Store

	// geo is nil when the MaxMind databases are not configured.
	geo *geoip.MaxMind

	// redis is nil when the in-process limiter is used.
	redis *redis.Client
}

// newGateway assembles the service from the configuration.  l must not be
// nil.
func newGateway(ctx context.Context, l *slog.Logger, conf *configuration) (g *gateway, err error) {
	lists, err := reflist.New(&reflist.Config{
		Logger:  l.With(slogutil.KeyPrefix, "reflist"),
		BaseDir: conf.ListsDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating list store: %w", err)
	}

	g = &gateway{
		lists: lists,
	}
	defer func() {
		if err != nil {
			err = errors.WithDeferred(err, g.close())
		}
	}()

	matcher, err := cidrset.NewMatcher(ctx, &cidrset.MatcherConfig{
		Logger: l.With(slogutil.KeyPrefix, "cidrset"),
		Lists:  lists,
		Source: conf.CIDRList,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cidr matcher: %w", err)
	}

	scorer := headerscore.NewScorer(headerscore.NewRegistry(&headerscore.RegistryConfig{
		Logger: l.With(slogutil.KeyPrefix, "headerscore"),
		Source: conf.RegistrySource,
	}))

	resolver := g.initResolver(ctx, l, conf)

	policies, err := policy.NewFileProvider(conf.PoliciesPath)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}

	pipeline, err := admission.New(&admission.Config{
		Logger:        l.With(slogutil.KeyPrefix, "admission"),
		CIDR:          matcher,
		Lists:         lists,
		BotListSource: conf.BotList,
		Scorer:        scorer,
		Intel:         initIntel(l, conf),
		BlockedOrgs:   conf.BlockedOrgs,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	g.svc = websvc.New(&websvc.Config{
		Logger:     l.With(slogutil.KeyPrefix, "websvc"),
		Policies:   policies,
		Pipeline:   pipeline,
		Resolver:   resolver,
		Scorer:     scorer,
		Limiter:    g.initLimiter(l, conf),
		Metrics:    stats.New(),
		ListenAddr: conf.ListenAddr,
		RedirectQuota: websvc.RateQuota{
			Requests: conf.RedirectRate,
			Window:   conf.RateWindow.Duration,
		},
		CheckQuota: websvc.RateQuota{
			Requests: conf.CheckRate,
			Window:   conf.RateWindow.Duration,
		},
	})

	return g, nil
}

// initResolver opens the MaxMind databases or falls back to the static
// resolver when they are not configured.
func (g *gateway) initResolver(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
) (r geoip.Resolver) {
	if conf.CountryDBPath == "" || conf.ASNDBPath == "" {
		l.WarnContext(ctx, "geo databases not configured, country and asn checks are inert")

		return &geoip.Static{}
	}

	m, err := geoip.OpenMaxMind(&geoip.MaxMindConfig{
		Logger:        l.With(slogutil.KeyPrefix, "geoip"),
		CountryDBPath: conf.CountryDBPath,
		ASNDBPath:     conf.ASNDBPath,
	})
	if err != nil {
		l.ErrorContext(ctx, "opening geo databases", slogutil.KeyError, err)

		return &geoip.Static{}
	}

	g.geo = m

	return m
}

// initIntel returns the reputation checker or nil when it is not configured.
func initIntel(l *slog.Logger, conf *configuration) (c intel.Checker) {
	if conf.IntelAPIKey == "" {
		return nil
	}

	return intel.NewClient(&intel.ClientConfig{
		Logger:  l.With(slogutil.KeyPrefix, "intel"),
		BaseURL: conf.IntelBaseURL,
		APIKey:  conf.IntelAPIKey,
		Timeout: conf.IntelTimeout.Duration,
	})
}

// initLimiter returns the Redis-backed limiter when an address is configured
// and the in-process one otherwise.
func (g *gateway) initLimiter(l *slog.Logger, conf *configuration) (lim ratelimit.Limiter) {
	if conf.RedisAddr == "" {
		return ratelimit.NewLocal(l.With(slogutil.KeyPrefix, "ratelimit"))
	}

	g.redis = redis.NewClient(&redis.Options{
		Addr: conf.RedisAddr,
	})

	return ratelimit.NewFixedWindow(ratelimit.NewRedisCounter(g.redis))
}

// close releases the gateway's resources.
func (g *gateway) close() (err error) {
	var errs []error

	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}

	if g.geo != nil {
		errs = append(errs, g.geo.Close())
	}

	errs = append(errs, g.lists.Close())

	return errors.Join(errs...)
}
