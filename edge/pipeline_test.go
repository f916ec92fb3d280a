package edge

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TRUSTMATEKO/tx24-edge/monitoring"
	"github.com/TRUSTMATEKO/tx24-edge/pkg/clock"
)

func newTestPipeline(mutate func(*Policy), opts ...PipelineOption) *Pipeline {
	pol := DefaultPolicy()
	if mutate != nil {
		mutate(pol)
	}
	clk := clock.New(0)
	health := NewHealthHandler("tx24-edge", monitoring.NewCollector())
	return NewPipeline(NewPolicyHolder(pol), clk, health, opts...)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo":%d}`, len(body))
	})
}

func TestPipelineHealthFastPath(t *testing.T) {
	p := newTestPipeline(nil)
	h := p.Handler(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Errorf("GET /healthz = %d %q, want 200 ok\\n", rec.Code, rec.Body.String())
	}
}

func TestPipelineSuccessHeaders(t *testing.T) {
	p := newTestPipeline(nil)
	h := p.Handler(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, GET, OPTIONS, PUT" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}
}

func TestPipelineAdmissionRejection(t *testing.T) {
	p := newTestPipeline(nil)
	h := p.Handler(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/../secret", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("rejection body = %q, want empty", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestPipelineContentTypeScenario(t *testing.T) {
	p := newTestPipeline(nil)
	h := p.Handler(okHandler())

	// PUT with XML body is admitted and reaches downstream.
	r := httptest.NewRequest(http.MethodPut, "/api/data", strings.NewReader("<a/>x"))
	r.Header.Set("Content-Type", "application/xml")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("XML PUT status = %d, want 200", rec.Code)
	}

	// PUT with protobuf is refused with 415.
	r = httptest.NewRequest(http.MethodPut, "/api/data", strings.NewReader("x"))
	r.Header.Set("Content-Type", "application/protobuf")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("protobuf PUT status = %d, want 415", rec.Code)
	}
}

func TestPipelineSecurityScenario(t *testing.T) {
	var logBuf syncBuffer
	logger := zerolog.New(&logBuf)
	p := newTestPipeline(func(pol *Policy) {
		pol.MaxAttemptsBeforeBlock = 5
	}, WithLogger(logger))
	h := p.Handler(okHandler())

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/login?x=1%20UNION%20SELECT%20*%20FROM%20users--", strings.NewReader("{}"))
		r.Header.Set("Content-Type", "application/json")
		r.RemoteAddr = "10.0.0.5:40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	for i := 1; i <= 5; i++ {
		rec := send()
		if rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d status = %d, want 403", i, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("attempt %d body = %q, want empty", i, rec.Body.String())
		}
	}
	if !strings.Contains(logBuf.String(), "IP blacklisted due to repeated attacks") {
		t.Error("missing blacklist threshold log")
	}

	// Sixth request within the blacklist window: blocked before scanning.
	rec := send()
	if rec.Code != http.StatusForbidden {
		t.Errorf("blacklisted request status = %d, want 403", rec.Code)
	}
	if !strings.Contains(logBuf.String(), "Blocked request from blacklisted IP") {
		t.Error("missing blacklisted-block log")
	}
}

func TestPipelineCompressesDownstreamResponse(t *testing.T) {
	p := newTestPipeline(nil)
	big := strings.Repeat("data ", 2048)
	h := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, big)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
}

func TestPipelineDownstreamPanicBecomes500(t *testing.T) {
	p := newTestPipeline(nil)
	h := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("downstream boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPipelineRateLimitStage(t *testing.T) {
	p := newTestPipeline(func(pol *Policy) {
		pol.RateLimitPerIP = 1
		pol.RateLimitBurst = 2
	})
	h := p.Handler(okHandler())

	var rejected int
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		r.RemoteAddr = "10.9.9.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	if rejected == 0 {
		t.Error("rate limit stage never rejected despite burst exhaustion")
	}
}

func TestPipelineAttrsSeeded(t *testing.T) {
	p := newTestPipeline(nil)
	var got *Attrs
	h := p.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AttrsFromRequest(r)
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/data?x=1", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "10.2.3.4:999"
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got == nil {
		t.Fatal("attrs missing from downstream context")
	}
	if got.RemoteIP != "10.2.3.4" || got.Method != http.MethodPost || got.URI != "/api/data?x=1" {
		t.Errorf("attrs = %+v", got)
	}
	if got.RequestID == "" || got.Start.IsZero() {
		t.Errorf("attrs missing correlation fields: %+v", got)
	}
}

// Scenario: gate limit 3, four simultaneous connects; the fourth is closed
// without an HTTP response.
func TestGateLimitsLiveConnections(t *testing.T) {
	var logBuf syncBuffer
	p := newTestPipeline(func(pol *Policy) {
		pol.MaxConnectionsPerIP = 3
	}, WithLogger(zerolog.New(&logBuf)))

	srv := httptest.NewUnstartedServer(p.Handler(okHandler()))
	srv.Config.ConnState = p.ConnState
	srv.Start()
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	conns := make([]net.Conn, 0, 3)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i+1, err)
		}
		conns = append(conns, c)
	}
	// Give the server goroutines time to run the StateNew hooks.
	waitForLog(t, &logBuf, "(total: 3)")

	fourth, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 4: %v", err)
	}
	defer fourth.Close()

	_ = fourth.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := fourth.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("fourth connection read = %v, want EOF (closed without response)", err)
	}
	if !strings.Contains(logBuf.String(), "Connection limit exceeded for IP: 127.0.0.1 (current: 4)") {
		t.Errorf("missing limit-exceeded log; log output:\n%s", logBuf.String())
	}

	// The surviving connections still serve requests.
	req := "GET /api/data HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"
	if _, err := conns[0].Write([]byte(req)); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	_ = conns[0].SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(conns[0])
	if !strings.Contains(string(resp), "200 OK") {
		t.Errorf("surviving connection response:\n%s", resp)
	}
}

func waitForLog(t *testing.T, buf *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("log %q never appeared; output:\n%s", substr, buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// syncBuffer is a goroutine-safe bytes.Buffer for log capture.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
