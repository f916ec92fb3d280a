// Package edge implements the staged inbound request pipeline: per-IP
// connection gating, request admission, security filtering with adaptive
// blacklisting, response compression and the health probe surface.
//
// Flow: inbound bytes -> connection gate -> admission filter -> security
// filter -> downstream business handler -> compressor -> wire. The pipeline
// wraps any http.Handler; routing stays downstream.
package edge

import (
	"strings"
	"sync/atomic"
	"time"
)

// Policy is the reloadable filter configuration. A Policy is immutable once
// published; readers take one atomic snapshot per request and updates swap
// the whole value.
type Policy struct {
	// Connection gate.
	MaxConnectionsPerIP int

	// Admission.
	DeniedIPPrefixes    []string
	DeniedURIPrefixes   []string
	DeniedExtensions    map[string]struct{} // lowercased, including the dot
	AllowedContentTypes []string            // substring match
	MaxBodyBytes        int64

	// Security filter.
	MaxAttemptsBeforeBlock int64
	BlacklistDuration      time.Duration

	// Compressor.
	CompressionThreshold     int64
	CompressionExcludedTypes map[string]struct{} // normalized MIME, no parameters

	// Optional per-IP request rate limiting; zero disables the stage.
	RateLimitPerIP  float64 // requests per second
	RateLimitBurst  int
}

// DefaultPolicy returns the shipped defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxConnectionsPerIP: 100,
		DeniedExtensions: setOf(
			".php", ".asp", ".aspx", ".jsp", ".cgi", ".exe", ".dll",
			".bak", ".sql", ".env", ".ini", ".sh",
		),
		AllowedContentTypes: []string{
			"json", "xml", "x-www-form-urlencoded", "multipart/form-data", "text/plain",
		},
		MaxBodyBytes:           10 << 20, // 10 MiB
		MaxAttemptsBeforeBlock: 5,
		BlacklistDuration:      5 * time.Minute,
		CompressionThreshold:   2 << 10, // 2 KiB
		CompressionExcludedTypes: setOf(
			"application/zip", "application/gzip", "application/x-gzip",
			"application/x-tar", "application/x-rar-compressed",
			"application/x-7z-compressed", "application/pdf",
			"application/octet-stream", "application/vnd.ms-fontobject",
			"font/woff", "font/woff2", "font/ttf", "font/otf",
		),
	}
}

func setOf(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[strings.ToLower(it)] = struct{}{}
	}
	return m
}

// PolicyHolder publishes Policy snapshots.
type PolicyHolder struct {
	p atomic.Pointer[Policy]
}

// NewPolicyHolder starts with p, or the defaults when p is nil.
func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	if p == nil {
		p = DefaultPolicy()
	}
	h.p.Store(p)
	return h
}

// Load returns the current snapshot. The returned Policy must not be mutated.
func (h *PolicyHolder) Load() *Policy { return h.p.Load() }

// Swap publishes a new snapshot. In-flight requests finish on the snapshot
// they started with.
func (h *PolicyHolder) Swap(p *Policy) {
	if p != nil {
		h.p.Store(p)
	}
}
