package edge

import (
	"errors"
	"net/http"
	"os"
	"path"
	"strings"
)

// Admission stage reasons, used for logs and metrics labels.
const (
	ReasonFraming     = "framing"
	ReasonDeniedIP    = "denied_ip"
	ReasonURI         = "uri"
	ReasonBodySize    = "body_size"
	ReasonContentType = "content_type"
	ReasonSecurity    = "security"
	ReasonRateLimit   = "rate_limit"
)

// AdmissionFilter validates framing, origin, URI shape, body size and content
// type, in strict order. The first failing stage short-circuits with its
// status; the zero status admits the request.
type AdmissionFilter struct {
	policy *PolicyHolder
}

// NewAdmissionFilter creates the filter over a policy holder.
func NewAdmissionFilter(policy *PolicyHolder) *AdmissionFilter {
	return &AdmissionFilter{policy: policy}
}

// Check runs stages 2-6 (the health fast path is stage 1, handled by the
// pipeline) and returns the rejection status and reason, or (0, "").
func (a *AdmissionFilter) Check(r *http.Request, remoteIP string) (int, string) {
	pol := a.policy.Load()

	if status := checkFraming(r); status != 0 {
		return status, ReasonFraming
	}
	if ipDenied(remoteIP, pol.DeniedIPPrefixes) {
		return http.StatusForbidden, ReasonDeniedIP
	}
	if !uriAcceptable(r.URL.Path, r.RequestURI, pol) {
		return http.StatusNotFound, ReasonURI
	}
	if r.ContentLength > pol.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge, ReasonBodySize
	}
	if status := checkContentType(r, pol.AllowedContentTypes); status != 0 {
		return status, ReasonContentType
	}
	return 0, ""
}

// checkFraming maps transport-level decode state onto a status. net/http has
// already rejected grossly malformed requests by the time a handler runs, so
// what remains observable here is an absent or unparseable URL.
func checkFraming(r *http.Request) int {
	if r.URL == nil {
		return http.StatusBadRequest
	}
	return 0
}

func ipDenied(ip string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(ip, p) {
			return true
		}
	}
	return false
}

// uriAcceptable applies the URI sanity rules: non-empty, no parent-directory
// or double-slash sequences, extension not denied, prefix not denied.
func uriAcceptable(urlPath, requestURI string, pol *Policy) bool {
	if urlPath == "" || requestURI == "" {
		return false
	}
	if strings.Contains(urlPath, "..") || strings.Contains(urlPath, "//") {
		return false
	}
	if len(pol.DeniedExtensions) > 0 {
		if ext := strings.ToLower(path.Ext(urlPath)); ext != "" {
			if _, denied := pol.DeniedExtensions[ext]; denied {
				return false
			}
		}
	}
	for _, p := range pol.DeniedURIPrefixes {
		if p != "" && strings.HasPrefix(urlPath, p) {
			return false
		}
	}
	return true
}

// checkContentType enforces the allow-list for methods that carry a body.
// An empty allow-list admits everything.
func checkContentType(r *http.Request, allowed []string) int {
	if !methodCarriesBody(r.Method) || len(allowed) == 0 {
		return 0
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	for _, sub := range allowed {
		if strings.Contains(ct, strings.ToLower(sub)) {
			return 0
		}
	}
	return http.StatusUnsupportedMediaType
}

// StatusForReadError maps a body read failure onto the framing status table:
// over-length 413, decompression 400, timeout 408, anything else 400. Zero
// means err is nil.
func StatusForReadError(err error) int {
	if err == nil {
		return 0
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return http.StatusRequestTimeout
	}
	return http.StatusBadRequest
}
