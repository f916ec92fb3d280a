package edge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TRUSTMATEKO/tx24-edge/pkg/clock"
	"github.com/TRUSTMATEKO/tx24-edge/pubsub"
)

// Attrs is the per-request context threaded through the pipeline: log
// correlation plus the monotonic start timestamp seeded before stage 1.
type Attrs struct {
	RequestID     string
	RemoteIP      string
	Method        string
	URI           string
	ContentLength int64
	Start         time.Time
}

type attrsKey struct{}

// AttrsFromRequest returns the pipeline attributes seeded on r, or nil when r
// did not pass through the pipeline.
func AttrsFromRequest(r *http.Request) *Attrs {
	a, _ := r.Context().Value(attrsKey{}).(*Attrs)
	return a
}

func contextWithAttrs(r *http.Request, a *Attrs) context.Context {
	return context.WithValue(r.Context(), attrsKey{}, a)
}

// Pipeline composes the inbound stages around a downstream business handler:
// health fast path, admission, security, optional rate limiting, compression.
// The connection gate hooks the server's ConnState callback, ahead of any
// HTTP parsing.
type Pipeline struct {
	policy     *PolicyHolder
	clk        *clock.Clock
	gate       *Gate
	admission  *AdmissionFilter
	security   *SecurityFilter
	compressor *Compressor
	health     *HealthHandler
	limiter    *RateLimiter
	metrics    *Metrics
	busOpt     *pubsub.Bus
	log        zerolog.Logger
	tracked    sync.Map // net.Conn -> remote IP, for gate release on close
}

// PipelineOption configures optional pipeline collaborators.
type PipelineOption func(*Pipeline)

// WithMetrics attaches prometheus instruments to every stage.
func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger replaces the pipeline logger; stage loggers derive from it.
func WithLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// WithBus lets the security filter announce blacklist events.
func WithBus(b *pubsub.Bus) PipelineOption {
	return func(p *Pipeline) { p.busOpt = b }
}

// NewPipeline builds the pipeline and its stages over a shared policy holder
// and clock.
func NewPipeline(policy *PolicyHolder, clk *clock.Clock, health *HealthHandler, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		policy: policy,
		clk:    clk,
		health: health,
		log:    log.With().Str("component", "edge").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.gate = NewGate(policy)
	p.gate.SetLogger(p.log.With().Str("stage", "gate").Logger())
	p.gate.SetMetrics(p.metrics)
	p.admission = NewAdmissionFilter(policy)

	secOpts := []SecurityOption{
		WithSecurityLogger(p.log.With().Str("stage", "security").Logger()),
		WithSecurityMetrics(p.metrics),
	}
	if p.busOpt != nil {
		secOpts = append(secOpts, WithBlacklistBus(p.busOpt))
	}
	p.security = NewSecurityFilter(policy, clk, secOpts...)
	p.compressor = NewCompressor(policy)
	p.limiter = NewRateLimiter(policy)
	return p
}

// Gate exposes the connection gate, for the monitoring snapshot.
func (p *Pipeline) Gate() *Gate { return p.gate }

// Security exposes the security filter, for the monitoring snapshot.
func (p *Pipeline) Security() *SecurityFilter { return p.security }

// Handler wraps next with the filter chain.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := remoteIP(r)
		attrs := &Attrs{
			RequestID:     incomingRequestID(r),
			RemoteIP:      ip,
			Method:        r.Method,
			URI:           r.URL.RequestURI(),
			ContentLength: r.ContentLength,
			Start:         start,
		}
		r = r.WithContext(contextWithAttrs(r, attrs))

		rec := &statusRecorder{ResponseWriter: w}
		defer p.observe(attrs, rec, start)

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT")
		h.Set("X-Request-Id", attrs.RequestID)

		// Stage 1: health fast path.
		if p.health != nil && p.health.Match(r.URL.Path) {
			p.health.ServeHTTP(rec, r)
			return
		}

		// Stages 2-6: admission.
		if status, reason := p.admission.Check(r, ip); status != 0 {
			p.log.Info().
				Str("request_id", attrs.RequestID).
				Str("ip", ip).
				Str("method", attrs.Method).
				Str("uri", attrs.URI).
				Str("reason", reason).
				Int("status", status).
				Msg("request rejected by admission filter")
			if p.metrics != nil {
				p.metrics.AdmissionRejected.WithLabelValues(reason).Inc()
			}
			p.writeRejection(rec, r, status)
			return
		}

		// Cap actual body reads at the declared limit; chunked bodies that
		// grow past it surface as 413 at read time.
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(rec, r.Body, p.policy.Load().MaxBodyBytes)
		}

		// Security filtering.
		if d := p.security.Inspect(r, ip); d.Status != 0 {
			if p.metrics != nil && d.Family == FamilyNone && d.Status != http.StatusForbidden {
				p.metrics.AdmissionRejected.WithLabelValues(ReasonFraming).Inc()
			}
			p.writeRejection(rec, r, d.Status)
			return
		}

		// Optional per-IP rate limiting.
		if !p.limiter.Allow(ip) {
			p.log.Warn().Str("ip", ip).Msg("request rate limit exceeded")
			if p.metrics != nil {
				p.metrics.AdmissionRejected.WithLabelValues(ReasonRateLimit).Inc()
			}
			p.writeRejection(rec, r, http.StatusTooManyRequests)
			return
		}

		// Downstream business logic, with the compressor on the way out.
		cw, finish := p.compressor.Wrap(rec, r)
		p.serveDownstream(cw, rec, r, next, attrs)
		finish()
	})
}

// Server returns an http.Server running the pipeline on addr, with the
// connection gate wired into ConnState.
func (p *Pipeline) Server(addr string, next http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           p.Handler(next),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ConnState:         p.ConnState,
	}
}

// ConnState is the gate hook for http.Server. A connection rejected by the
// gate is closed before any bytes are parsed; no response is written.
func (p *Pipeline) ConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		ip := hostOnly(c.RemoteAddr())
		if _, ok := p.gate.Acquire(ip); !ok {
			_ = c.Close()
			return
		}
		p.tracked.Store(c, ip)
	case http.StateClosed, http.StateHijacked:
		if ip, ok := p.tracked.LoadAndDelete(c); ok {
			p.gate.ReleaseAccepted(ip.(string))
		}
	}
}

func (p *Pipeline) serveDownstream(w http.ResponseWriter, rec *statusRecorder, r *http.Request, next http.Handler, attrs *Attrs) {
	defer func() {
		if cause := recover(); cause != nil {
			p.log.Warn().
				Str("request_id", attrs.RequestID).
				Str("uri", attrs.URI).
				Interface("panic", cause).
				Str("stack", shortStack(10)).
				Msg("handler failed")
			if rec.status == 0 {
				rec.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
				rec.WriteHeader(http.StatusInternalServerError)
			}
		}
	}()
	next.ServeHTTP(w, r)
}

// writeRejection writes an empty-bodied error response. Errors are never
// cacheable; the connection follows the client's Connection preference.
func (p *Pipeline) writeRejection(w http.ResponseWriter, r *http.Request, status int) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Content-Length", "0")
	if r.Close || strings.EqualFold(r.Header.Get("Connection"), "close") {
		h.Set("Connection", "close")
	}
	w.WriteHeader(status)
}

func (p *Pipeline) observe(attrs *Attrs, rec *statusRecorder, start time.Time) {
	status := rec.Status()
	elapsed := time.Since(start)

	var ev *zerolog.Event
	switch {
	case status >= 500:
		ev = p.log.Error()
	case status >= 400:
		ev = p.log.Warn()
	default:
		ev = p.log.Info()
	}
	ev.Str("request_id", attrs.RequestID).
		Str("ip", attrs.RemoteIP).
		Str("method", attrs.Method).
		Str("uri", attrs.URI).
		Int64("content_length", attrs.ContentLength).
		Int("status", status).
		Int64("bytes", rec.bytes).
		Dur("elapsed", elapsed).
		Msg("request completed")

	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(statusClass(status)).Inc()
		p.metrics.RequestSeconds.Observe(elapsed.Seconds())
	}
}

// statusRecorder captures the final status and byte count for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func incomingRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func remoteIP(r *http.Request) string {
	return hostOnlyString(r.RemoteAddr)
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return hostOnlyString(addr.String())
}

func hostOnlyString(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// shortStack renders at most depth caller frames, skipping the recovery
// plumbing itself.
func shortStack(depth int) string {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s (%s:%d); ", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
