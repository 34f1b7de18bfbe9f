package policy

import (
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// distractors are the destinations used by the "random" bot-redirection
// directive.
var distractors = []string{
	"https://rickroll.it/",
	"https://http.cat/404",
	"https://http.cat/403",
	"https://http.cat/500",
	"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
}

// defaultMessages are the bodies used for status-only outcomes without an
// explicit reason.
var defaultMessages = map[int]string{
	http.StatusBadRequest:          "Bad Request",
	http.StatusUnauthorized:        "Unauthorized",
	http.StatusForbidden:           "Forbidden",
	http.StatusNotFound:            "Not Found",
	http.StatusInternalServerError: "Internal Server Error",
}

// Outcome is the concrete result of a block: either a status response or a
// redirect.
type Outcome struct {
	// RedirectURL, when non-empty, means a 302 redirect to this URL; Status
	// and Message are unset.
	RedirectURL string

	// Message is the response body text for a status outcome.
	Message string

	// Status is the HTTP status code for a status outcome.
	Status int
}

// Respond resolves a block against p's bot-redirection directive.  reason,
// when non-empty, overrides the default message of a status outcome; whether
// it is actually disclosed to the client is the caller's decision.
func Respond(p *Policy, reason string) (o Outcome) {
	br := p.BotRedirection

	switch {
	case br == "":
		return statusOutcome(http.StatusForbidden, reason)
	case br == "random":
		return Outcome{RedirectURL: distractors[rand.IntN(len(distractors))]}
	case hasHTTPScheme(br):
		return Outcome{RedirectURL: br}
	}

	if code, err := strconv.Atoi(br); err == nil {
		if code >= 400 && code <= 599 {
			return statusOutcome(code, reason)
		}

		return statusOutcome(http.StatusForbidden, reason)
	}

	// Unrecognized directive, fall back to a plain refusal.
	return statusOutcome(http.StatusForbidden, reason)
}

// statusOutcome builds a status-only outcome with the reason or the default
// message for the code.
func statusOutcome(code int, reason string) (o Outcome) {
	msg := reason
	if msg == "" {
		msg = defaultMessages[code]
	}
	if msg == "" {
		msg = "Blocked"
	}

	return Outcome{
		Status:  code,
		Message: msg,
	}
}

// hasHTTPScheme reports whether s starts with an http or https scheme,
// case-insensitively.
func hasHTTPScheme(s string) (ok bool) {
	l := strings.ToLower(s)

	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Distractors returns the fixed distractor-URL list.
func Distractors() (urls []string) {
	return slices.Clone(distractors)
}
