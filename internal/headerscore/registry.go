package headerscore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// DefaultRegistryURL is the authoritative source of valid language subtags.
const DefaultRegistryURL = "https://www.iana.org/assignments/language-subtag-registry/language-subtag-registry"

// defaultFetchTimeout bounds the one-shot registry download.
const defaultFetchTimeout = 10 * time.Second

// RegistryConfig is the configuration for [NewRegistry].
type RegistryConfig struct {
	// Logger is used for logging the registry load.  It must not be nil.
	Logger *slog.Logger

	// Source is the registry location, an http(s) URL or a local file path.
	// If empty, [DefaultRegistryURL] is used.
	Source string
}

// Registry is the set of valid language subtags.  It is loaded lazily on the
// first lookup and cached for the process lifetime; a failed load is
// propagated to that lookup and retried on the next one.
type Registry struct {
	logger *slog.Logger
	client *http.Client
	source string

	// mu protects subtags, which is nil until the first successful load.
	mu      *sync.Mutex
	subtags map[string]struct{}
}

// NewRegistry creates a registry.  c must not be nil.
func NewRegistry(c *RegistryConfig) (r *Registry) {
	src := c.Source
	if src == "" {
		src = DefaultRegistryURL
	}

	return &Registry{
		logger: c.Logger,
		client: &http.Client{Timeout: defaultFetchTimeout},
		source: src,
		mu:     &sync.Mutex{},
	}
}

// Has reports whether lang is a registered language subtag.  lang must
// already be lowercased.
func (r *Registry) Has(ctx context.Context, lang string) (ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subtags == nil {
		err = r.load(ctx)
		if err != nil {
			return false, fmt.Errorf("loading language-subtag registry: %w", err)
		}
	}

	_, ok = r.subtags[lang]

	return ok, nil
}

// load reads and parses the registry from the configured source.  It must
// only be called with r.mu held.
func (r *Registry) load(ctx context.Context) (err error) {
	var rc io.ReadCloser
	if strings.HasPrefix(r.source, "http://") || strings.HasPrefix(r.source, "https://") {
		rc, err = r.fetch(ctx)
	} else {
		// #nosec G304 -- Trust the file path from the configuration.
		rc, err = os.Open(r.source)
	}
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}
	defer func() { err = errors.WithDeferred(err, rc.Close()) }()

	subtags, err := parseRegistry(rc)
	if err != nil {
		return err
	}

	r.subtags = subtags
	r.logger.InfoContext(ctx, "language-subtag registry loaded", "subtags", len(subtags))

	return nil
}

// fetch downloads the registry over HTTP.
func (r *Registry) fetch(ctx context.Context) (rc io.ReadCloser, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.source, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", r.source, err)
	}

	if resp.StatusCode != http.StatusOK {
		err = errors.WithDeferred(
			fmt.Errorf("fetching %q: unexpected status %s", r.source, resp.Status),
			resp.Body.Close(),
		)

		return nil, err
	}

	return resp.Body, nil
}

// parseRegistry extracts the subtags of records with "Type: language" from
// the IANA registry format, where records are separated by "%%" lines.
func parseRegistry(rd io.Reader) (subtags map[string]struct{}, err error) {
	subtags = map[string]struct{}{}

	var inLanguageRecord bool
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "%%"):
			inLanguageRecord = false
		case strings.HasPrefix(line, "Type: language"):
			inLanguageRecord = true
		case inLanguageRecord && strings.HasPrefix(line, "Subtag:"):
			_, tag, _ := strings.Cut(line, ":")
			subtags[strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
		}
	}

	if err = sc.Err(); err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	return subtags, nil
}
