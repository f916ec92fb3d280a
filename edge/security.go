package edge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TRUSTMATEKO/tx24-edge/cache"
	"github.com/TRUSTMATEKO/tx24-edge/pkg/clock"
	"github.com/TRUSTMATEKO/tx24-edge/pubsub"
)

// SecurityFilter detects injection attempts per request and maintains the
// per-IP attack ledger: an attempt counter plus a blacklist deadline. Both
// live on timeout caches so entries age out on their own; expiry of a
// blacklist entry wipes the attempt counter too, giving benign clients a
// clean slate.
type SecurityFilter struct {
	policy    *PolicyHolder
	clk       *clock.Clock
	attempts  *cache.Cache[*atomic.Int64]
	blacklist *cache.Cache[int64] // ip -> absolute deadline millis
	log       zerolog.Logger
	metrics   *Metrics
	bus       *pubsub.Bus // optional blacklist announcements
}

// SecurityOption configures the filter.
type SecurityOption func(*SecurityFilter)

// WithSecurityLogger replaces the filter's logger.
func WithSecurityLogger(l zerolog.Logger) SecurityOption {
	return func(f *SecurityFilter) { f.log = l }
}

// WithSecurityMetrics attaches prometheus counters.
func WithSecurityMetrics(m *Metrics) SecurityOption {
	return func(f *SecurityFilter) { f.metrics = m }
}

// WithBlacklistBus announces blacklist events on the bus so peer instances
// can shed the same client.
func WithBlacklistBus(b *pubsub.Bus) SecurityOption {
	return func(f *SecurityFilter) { f.bus = b }
}

// NewSecurityFilter builds the filter and its ledger caches. The ledger TTL
// follows the policy's blacklist duration at construction time.
func NewSecurityFilter(policy *PolicyHolder, clk *clock.Clock, opts ...SecurityOption) *SecurityFilter {
	f := &SecurityFilter{
		policy: policy,
		clk:    clk,
		log:    log.With().Str("component", "security").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	ttl := policy.Load().BlacklistDuration
	f.attempts = cache.New[*atomic.Int64](
		cache.WithTTL[*atomic.Int64](2*ttl),
		cache.WithClock[*atomic.Int64](clk),
	)
	f.blacklist = cache.New[int64](
		cache.WithTTL[int64](ttl),
		cache.WithClock[int64](clk),
		cache.WithExpiryCallback[int64](func(ip string, _ int64) {
			// Clean slate: the attempt counter goes with the deadline.
			f.attempts.Delete(ip)
		}),
	)
	return f
}

// Decision is the outcome of inspecting one request.
type Decision struct {
	Status int // 0 passes the request downstream
	Family Family
}

// Blacklisted reports whether ip is currently blocked, using the exact clock.
// An expired entry is removed on this read, together with its attempt counter.
func (f *SecurityFilter) Blacklisted(ip string) bool {
	deadline, ok := f.blacklist.GetExact(ip)
	if !ok {
		return false
	}
	if f.clk.NowExact() > deadline {
		// The entry TTL and deadline normally coincide; treat a stale read as
		// expired and clear both ledger halves.
		f.blacklist.Delete(ip)
		f.attempts.Delete(ip)
		return false
	}
	return true
}

// Inspect runs the security stage for r. On pass the request body has been
// consumed and restored so downstream handlers read it unchanged. Unexpected
// internal errors never block legitimate traffic: the request is forwarded
// and a warning logged.
func (f *SecurityFilter) Inspect(r *http.Request, ip string) Decision {
	if f.Blacklisted(ip) {
		f.log.Warn().Str("ip", ip).Msg("Blocked request from blacklisted IP")
		return Decision{Status: http.StatusForbidden}
	}

	body, err := f.snapshotBody(r)
	if err != nil {
		if status := StatusForReadError(err); status != 0 {
			return Decision{Status: status}
		}
		f.log.Warn().Err(err).Str("ip", ip).Msg("body scan failed; forwarding request")
		return Decision{}
	}

	headerValues := make([]string, 0, len(r.Header))
	for _, vs := range r.Header {
		headerValues = append(headerValues, vs...)
	}

	fam := DetectAttack(r.URL.RequestURI(), string(body), headerValues)
	if fam == FamilyNone {
		return Decision{}
	}
	f.recordAttack(ip, fam)
	return Decision{Status: http.StatusForbidden, Family: fam}
}

// snapshotBody reads and restores the request body so the scan does not
// consume it. The read is already capped by the admission stage's byte limit.
func (f *SecurityFilter) snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody || !methodCarriesBody(r.Method) {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (f *SecurityFilter) recordAttack(ip string, fam Family) {
	pol := f.policy.Load()
	ctr, _ := f.attempts.GetOrPutImmediate(ip, new(atomic.Int64))
	n := ctr.Add(1)

	if f.metrics != nil {
		f.metrics.AttacksDetected.WithLabelValues(fam.String()).Inc()
	}

	switch {
	case n >= pol.MaxAttemptsBeforeBlock:
		deadline := f.clk.NowExact() + pol.BlacklistDuration.Milliseconds()
		f.blacklist.PutImmediateTTL(ip, deadline, pol.BlacklistDuration)
		f.log.Error().
			Str("ip", ip).
			Int64("attempts", n).
			Str("family", fam.String()).
			Msg("IP blacklisted due to repeated attacks")
		if f.metrics != nil {
			f.metrics.BlacklistTotal.Inc()
		}
		if f.bus != nil {
			_ = f.bus.Publish(context.Background(), pubsub.ChannelSecurityBlacklist, pubsub.BlacklistEvent{
				IP:       ip,
				Until:    deadline,
				Attempts: n,
			})
		}
	case n == 1:
		f.log.Warn().
			Str("ip", ip).
			Str("family", fam.String()).
			Msg("attack attempt detected")
	default:
		f.log.Info().
			Str("ip", ip).
			Int64("attempts", n).
			Str("family", fam.String()).
			Msg("repeated attack attempt")
	}
}

// Attempts returns the current attempt count for ip, zero when clean.
func (f *SecurityFilter) Attempts(ip string) int64 {
	if ctr, ok := f.attempts.Get(ip); ok {
		return ctr.Load()
	}
	return 0
}

// Counters exposes ledger totals for the monitoring snapshot.
func (f *SecurityFilter) Counters() map[string]int64 {
	return map[string]int64{
		"tracked_ips": int64(f.attempts.Size()),
		"blacklisted": int64(f.blacklist.Size()),
	}
}

func methodCarriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	default:
		return true
	}
}
