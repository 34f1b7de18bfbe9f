// Package intel consults third-party IP-reputation services.  It is the
// lowest-confidence signal of the admission pipeline and is only used as a
// tie-breaker after the cheap local checks.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultBaseURL is the ipdetective endpoint used when no override is
// configured.
const DefaultBaseURL = "https://ipdetective.p.rapidapi.com"

// DefaultTimeout bounds a reputation call.  The call sits on the hot path, so
// its failure must never hang a response.
const DefaultTimeout = 2 * time.Second

// cacheTTL is how long a verdict for one address is reused.
const cacheTTL = 1 * time.Hour

// apiKeyHeader carries the service credential.
const apiKeyHeader = "X-Api-Key"

// Checker reports whether an address belongs to a known bot or datacenter.
// Implementations must bound their own latency; an error means "unknown" and
// callers are expected to fail open.
type Checker interface {
	IsBot(ctx context.Context, ip netip.Addr) (ok bool, err error)
}

// ClientConfig is the configuration for [NewClient].
type ClientConfig struct {
	// Logger is used for logging reputation calls.  It must not be nil.
	Logger *slog.Logger

	// BaseURL overrides [DefaultBaseURL] when non-empty.
	BaseURL string

	// APIKey is the credential sent with every request.
	APIKey string

	// Timeout overrides [DefaultTimeout] when positive.
	Timeout time.Duration
}

// Client queries an ipdetective-compatible reputation API and caches verdicts
// per address.
type Client struct {
	logger  *slog.Logger
	http    *http.Client
	cache   *gocache.Cache
	baseURL string
	apiKey  string
}

// NewClient creates a reputation client.  c must not be nil.
func NewClient(c *ClientConfig) (cli *Client) {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		logger:  c.Logger,
		http:    &http.Client{Timeout: timeout},
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
		baseURL: baseURL,
		apiKey:  c.APIKey,
	}
}

// type check
var _ Checker = (*Client)(nil)

// report is the subset of the API response the checker uses.
type report struct {
	IP   string `json:"ip"`
	Type string `json:"type"`
	Bot  bool   `json:"bot"`
}

// IsBot implements the [Checker] interface for *Client.
func (cli *Client) IsBot(ctx context.Context, ip netip.Addr) (ok bool, err error) {
	key := ip.String()
	if v, found := cli.cache.Get(key); found {
		if cached, isBool := v.(bool); isBool {
			return cached, nil
		}
	}

	rep, err := cli.query(ctx, key)
	if err != nil {
		// Don't cache failures, the next request may succeed.
		return false, err
	}

	cli.cache.SetDefault(key, rep.Bot)

	return rep.Bot, nil
}

// query performs the HTTP call.
func (cli *Client) query(ctx context.Context, ip string) (rep *report, err error) {
	u := fmt.Sprintf("%s/ip/%s?info=true", cli.baseURL, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if cli.apiKey != "" {
		req.Header.Set(apiKeyHeader, cli.apiKey)
	}

	resp, err := cli.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying reputation for %q: %w", ip, err)
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying reputation for %q: unexpected status %s", ip, resp.Status)
	}

	rep = &report{}
	err = json.NewDecoder(resp.Body).Decode(rep)
	if err != nil {
		return nil, fmt.Errorf("decoding reputation for %q: %w", ip, err)
	}

	return rep, nil
}
