// Package headerscore produces a weighted bot-suspicion score from a fixed
// set of HTTP request headers.
package headerscore

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/AdguardTeam/golibs/httphdr"
)

// Non-canonical client-hint headers inspected by the scorer and absent from
// [httphdr].
const (
	hdrSecChUA     = "Sec-Ch-Ua"
	hdrSecFetchSit = "Sec-Fetch-Site"
)

// Weights of the individual anomaly flags.
const (
	weightBadUA                 = 6
	weightInvalidAccept         = 2
	weightInvalidAcceptLanguage = 2
	weightMissingSecChUA        = 3
	weightMissingSecFetch       = 2
	weightNoEncoding            = 2
)

// Risk thresholds over the summed score.
const (
	thresholdMedium = 4
	thresholdHigh   = 7
)

// Risk is the categorical risk level derived from the score.
type Risk string

// Risk levels, lowest to highest.
const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Assessment is the result of scoring one set of headers.  Reasons are for
// logging and diagnostics only, decisions are made on Score.
type Assessment struct {
	Risk    Risk
	Reasons []string
	Score   int
}

// Blocked reports whether the assessment is over the hard-block threshold.
func (a *Assessment) Blocked() (ok bool) {
	return a.Score >= thresholdHigh
}

// badUAPattern matches user agents of known automation tools and crawlers.
var badUAPattern = regexp.MustCompile(
	`(?i)(curl|wget|python|java|node|axios|go-http-client|scrapy|phantom|selenium|headless|bot|spider|crawler)`,
)

// browserClaimPattern matches user agents that claim to be a regular browser
// and are therefore expected to send client-hint and fetch-metadata headers.
var browserClaimPattern = regexp.MustCompile(`(?i)Chrome|Safari|Firefox`)

// minUALen is the shortest user-agent string not considered suspicious by
// itself.
const minUALen = 10

// Scorer scores request headers.  Use [NewScorer] to create one.
type Scorer struct {
	registry *Registry
}

// NewScorer creates a scorer validating Accept-Language tags against
// registry.  registry must not be nil.
func NewScorer(registry *Registry) (s *Scorer) {
	return &Scorer{
		registry: registry,
	}
}

// Score inspects h and returns the assessment.  The only possible error is a
// failure to load the language-subtag registry on the first validation
// attempt; it is propagated instead of silently treating every language as
// valid or invalid.
func (s *Scorer) Score(ctx context.Context, h http.Header) (a *Assessment, err error) {
	ua := h.Get(httphdr.UserAgent)
	accept := h.Get(httphdr.Accept)
	acceptLang := h.Get(httphdr.AcceptLanguage)
	encoding := h.Get(httphdr.AcceptEncoding)
	secFetch := h.Get(hdrSecFetchSit)
	secChUA := h.Get(hdrSecChUA)

	a = &Assessment{}

	if ua == "" || len(ua) < minUALen || badUAPattern.MatchString(ua) {
		a.add(weightBadUA, "bad_ua - suspicious user-agent")
	}

	if !strings.Contains(accept, "text/html") {
		a.add(
			weightInvalidAccept,
			fmt.Sprintf("invalid_accept - Accept header %q missing \"text/html\"", accept),
		)
	}

	langOK, err := s.validAcceptLanguage(ctx, acceptLang)
	if err != nil {
		return nil, fmt.Errorf("validating accept-language: %w", err)
	} else if !langOK {
		a.add(
			weightInvalidAcceptLanguage,
			fmt.Sprintf("invalid_accept_language - Accept-Language %q invalid", acceptLang),
		)
	}

	if browserClaimPattern.MatchString(ua) {
		if secChUA == "" {
			a.add(weightMissingSecChUA, "missing_sec_ch_ua - missing sec-ch-ua header for browser")
		}

		if secFetch == "" {
			a.add(weightMissingSecFetch, "missing_sec_fetch - missing sec-fetch-site header for browser")
		}
	}

	if !strings.Contains(encoding, "gzip") && !strings.Contains(encoding, "br") {
		a.add(
			weightNoEncoding,
			fmt.Sprintf("no_encoding - Accept-Encoding %q missing gzip/br", encoding),
		)
	}

	switch {
	case a.Score >= thresholdHigh:
		a.Risk = RiskHigh
	case a.Score >= thresholdMedium:
		a.Risk = RiskMedium
	default:
		a.Risk = RiskLow
	}

	return a, nil
}

// add records a triggered flag.
func (a *Assessment) add(weight int, reason string) {
	a.Score += weight
	a.Reasons = append(a.Reasons, reason)
}

// strictLangPattern is the accepted shape of a language tag: a two- or
// three-letter lowercase language subtag with an optional two-letter
// uppercase region.
var strictLangPattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z]{2})?$`)

// validAcceptLanguage validates header as a comma-separated list of strict
// language tags.  Validation is all-or-nothing: a header with zero tags, or
// any non-conforming tag, fails entirely.
func (s *Scorer) validAcceptLanguage(ctx context.Context, header string) (ok bool, err error) {
	if header == "" {
		return false, nil
	}

	for _, tag := range strings.Split(header, ",") {
		ok, err = s.validLanguageTag(ctx, tag)
		if err != nil {
			return false, err
		} else if !ok {
			return false, nil
		}
	}

	return true, nil
}

// validLanguageTag validates a single tag, ignoring any quality value.
func (s *Scorer) validLanguageTag(ctx context.Context, tag string) (ok bool, err error) {
	langPart, _, _ := strings.Cut(strings.TrimSpace(tag), ";")
	langPart = strings.TrimSpace(langPart)

	if !strictLangPattern.MatchString(langPart) {
		return false, nil
	}

	lang, _, _ := strings.Cut(langPart, "-")

	return s.registry.Has(ctx, strings.ToLower(lang))
}
