package websvc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/gorilla/mux"
	"github.com/linkgate/linkgate/internal/admission"
	"github.com/linkgate/linkgate/internal/policy"
	"github.com/linkgate/linkgate/internal/stats"
)

// Diagnostic endpoint sentinels: a zero visitor address together with the
// test key yields the welcome response.
const (
	zeroIP     = "0.0.0.0"
	welcomeKey = "test"
)

// noActiveURL is the placeholder some policy stores keep while a destination
// is being rotated.
const noActiveURL = "need update"

// visitorIP returns the address the decision is made for: the trusted-proxy
// header when present, the socket peer otherwise.
func visitorIP(r *http.Request) (ip string) {
	ip = r.Header.Get(hdrVisitorIP)
	if ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// writeJSON writes v as the response body with the given status.
func (s *Service) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set(httphdr.ContentType, "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.logger.DebugContext(ctx, "writing response", slogutil.KeyError, err)
	}
}

// internalError logs err and replies with a plain 500.
func (s *Service) internalError(
	ctx context.Context,
	w http.ResponseWriter,
	msg string,
	err error,
) {
	s.logger.ErrorContext(ctx, msg, slogutil.KeyError, err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// handleRedirect serves GET /e/{key}.  Admitted visitors are redirected to
// the live destination; blocked ones get the policy's block response with no
// reason disclosed.
func (s *Service) handleRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := mux.Vars(r)["key"]

	pol, err := s.policies.Policy(ctx, key)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			http.Error(w, "shortlink not found", http.StatusNotFound)
		} else {
			s.internalError(ctx, w, "resolving policy", err)
		}

		return
	}

	vc, err := admission.NewVisitorContext(visitorIP(r), r.Header, s.resolver)
	if err != nil {
		http.Error(w, "invalid visitor ip", http.StatusBadRequest)

		return
	}

	ok, err := s.admit(ctx, vc.IP.String(), s.redirectQuota)
	if err != nil {
		s.metrics.ObserveError()
		s.internalError(ctx, w, "rate limiting", err)

		return
	} else if !ok {
		http.Error(w, "too many requests", http.StatusTooManyRequests)

		return
	}

	start := time.Now()
	v, err := s.pipeline.Evaluate(ctx, pol, vc)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.ObserveError()
		s.internalError(ctx, w, "evaluating", err)

		return
	}

	if v.Kind == admission.KindBlock {
		s.metrics.Observe(stats.OutcomeBlocked, string(v.Reason), elapsed)
		s.respondBlocked(w, r, pol)

		return
	}

	s.metrics.Observe(outcomeOf(v), "", elapsed)

	if pol.ActiveURL == "" || pol.ActiveURL == noActiveURL {
		http.Error(w, "no active destination", http.StatusServiceUnavailable)

		return
	}

	http.Redirect(w, r, pol.ActiveURL, http.StatusFound)
}

// respondBlocked writes the policy's block response.  The reason stays
// internal on this endpoint.
func (s *Service) respondBlocked(w http.ResponseWriter, r *http.Request, pol *policy.Policy) {
	o := policy.Respond(pol, "")
	if o.RedirectURL != "" {
		http.Redirect(w, r, o.RedirectURL, http.StatusFound)

		return
	}

	http.Error(w, o.Message, o.Status)
}

// outcomeOf maps an admitting verdict to its metrics outcome.
func outcomeOf(v *admission.Verdict) (o stats.Outcome) {
	if v.Kind == admission.KindBypass {
		return stats.OutcomeBypassed
	}

	return stats.OutcomeAllowed
}

// admit runs the rate limiter with the given quota.
func (s *Service) admit(ctx context.Context, ip string, q RateQuota) (ok bool, err error) {
	return s.limiter.Admit(ctx, ip, q.Requests, q.Window)
}

// checkResponse is the body of the diagnostic check endpoint.
type checkResponse struct {
	Reason         string `json:"reason,omitempty"`
	VisitorIP      string `json:"visitorIp,omitempty"`
	DeviceType     string `json:"deviceType,omitempty"`
	VisitorCountry string `json:"visitorCountry,omitempty"`
	VisitorASN     string `json:"visitorAsn,omitempty"`
	Message        string `json:"message"`
	Status         int    `json:"status"`
	Success        bool   `json:"success"`
	Blocked        bool   `json:"blocked"`
}

// handleCheck serves GET /api/check/{key}, the verbose variant of the
// redirect decision.  Unlike the redirect endpoint it reads the visitor
// address from the header only and echoes the block reason.
func (s *Service) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := mux.Vars(r)["key"]

	ip := r.Header.Get(hdrVisitorIP)
	if ip == "" {
		s.writeJSON(ctx, w, http.StatusNotFound, &checkResponse{
			Message: "You forgot to input the IP Address",
			Status:  http.StatusNotFound,
		})

		return
	}

	if ip == zeroIP && key == welcomeKey {
		s.writeJSON(ctx, w, http.StatusOK, &checkResponse{
			Message: "Welcome to the gateway test endpoint.",
			Status:  http.StatusOK,
			Success: true,
		})

		return
	}

	pol, err := s.policies.Policy(ctx, key)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			s.writeJSON(ctx, w, http.StatusNotFound, &checkResponse{
				Message: "Shortlink not found",
				Status:  http.StatusNotFound,
			})
		} else {
			s.internalError(ctx, w, "resolving policy", err)
		}

		return
	}

	vc, err := admission.NewVisitorContext(ip, r.Header, s.resolver)
	if err != nil {
		s.writeJSON(ctx, w, http.StatusBadRequest, &checkResponse{
			VisitorIP: ip,
			Message:   "Invalid visitor IP",
			Status:    http.StatusBadRequest,
		})

		return
	}

	base := checkResponse{
		VisitorIP:      vc.IP.String(),
		DeviceType:     string(vc.Device),
		VisitorCountry: vc.Country,
		VisitorASN:     vc.ASN.Organization,
	}

	ok, err := s.admit(ctx, vc.IP.String(), s.checkQuota)
	if err != nil {
		s.metrics.ObserveError()
		s.internalError(ctx, w, "rate limiting", err)

		return
	} else if !ok {
		resp := base
		resp.Blocked = true
		resp.Reason = "rate_limit_exceeded"
		resp.Status = http.StatusTooManyRequests
		resp.Message = "Too Many Requests - Rate limit exceeded"
		s.writeJSON(ctx, w, http.StatusTooManyRequests, &resp)

		return
	}

	start := time.Now()
	v, err := s.pipeline.Evaluate(ctx, pol, vc)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.ObserveError()
		s.internalError(ctx, w, "evaluating", err)

		return
	}

	resp := base
	switch v.Kind {
	case admission.KindBypass:
		s.metrics.Observe(stats.OutcomeBypassed, "", elapsed)
		resp.Success = true
		resp.Reason = string(v.Reason)
		resp.Status = http.StatusOK
		resp.Message = "Visitor bypassed the check (whitelisted)."
	case admission.KindBlock:
		s.metrics.Observe(stats.OutcomeBlocked, string(v.Reason), elapsed)
		resp.Blocked = true
		resp.Reason = string(v.Reason)
		resp.Status = http.StatusForbidden
		resp.Message = "Visitor blocked."
	default:
		s.metrics.Observe(stats.OutcomeAllowed, "", elapsed)
		resp.Success = true
		resp.Status = http.StatusOK
		resp.Message = "Visitor passed all checks."
	}

	s.writeJSON(ctx, w, resp.Status, &resp)
}

// whoamiResponse is the body of the whoami endpoint.
type whoamiResponse struct {
	IP              string   `json:"ip"`
	Country         string   `json:"country"`
	ASNOrganization string   `json:"asnOrganization"`
	DeviceType      string   `json:"deviceType"`
	HeaderRisk      string   `json:"headerRisk"`
	HeaderFlags     []string `json:"headerFlags,omitempty"`
	ASNNumber       uint     `json:"asnNumber"`
	HeaderScore     int      `json:"headerScore"`
}

// handleWhoami serves GET /api/whoami/{ip}: the resolved signals for an
// address, with the header risk computed from the request's own headers.
func (s *Service) handleWhoami(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vc, err := admission.NewVisitorContext(mux.Vars(r)["ip"], r.Header, s.resolver)
	if err != nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)

		return
	}

	a, err := s.scorer.Score(ctx, r.Header)
	if err != nil {
		s.internalError(ctx, w, "scoring headers", err)

		return
	}

	s.writeJSON(ctx, w, http.StatusOK, &whoamiResponse{
		IP:              vc.IP.String(),
		Country:         vc.Country,
		ASNOrganization: vc.ASN.Organization,
		DeviceType:      string(vc.Device),
		HeaderRisk:      string(a.Risk),
		HeaderFlags:     a.Reasons,
		ASNNumber:       vc.ASN.Number,
		HeaderScore:     a.Score,
	})
}

// handleStats serves GET /api/stats.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.metrics.Snapshot())
}
