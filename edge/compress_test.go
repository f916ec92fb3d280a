package edge

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func compressedResponse(t *testing.T, acceptEncoding, contentType string, body []byte, declareLength bool) *httptest.ResponseRecorder {
	t.Helper()
	c := NewCompressor(NewPolicyHolder(nil))
	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	if acceptEncoding != "" {
		r.Header.Set("Accept-Encoding", acceptEncoding)
	}
	rec := httptest.NewRecorder()

	w, finish := c.Wrap(rec, r)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if declareLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	_, _ = w.Write(body)
	finish()
	return rec
}

func TestCompressesLargeTextBody(t *testing.T) {
	body := []byte(strings.Repeat("the quick brown fox ", 500)) // ~10 KiB
	rec := compressedResponse(t, "gzip, deflate", "application/json", body, true)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	if got := rec.Header().Get("Vary"); got != "Accept-Encoding" {
		t.Errorf("Vary = %q, want Accept-Encoding", got)
	}

	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if string(decoded) != string(body) {
		t.Error("decoded body differs from original")
	}
	if rec.Body.Len() >= len(body) {
		t.Errorf("compressed size %d not smaller than original %d", rec.Body.Len(), len(body))
	}
}

func TestSkipsSmallBody(t *testing.T) {
	body := []byte("small")
	rec := compressedResponse(t, "gzip", "application/json", body, true)
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q for body under threshold, want none", got)
	}
	if rec.Body.String() != "small" {
		t.Errorf("body = %q, want identity", rec.Body.String())
	}
}

func TestSkipsExcludedMIMETypes(t *testing.T) {
	body := []byte(strings.Repeat("x", 8192))
	for _, ct := range []string{
		"image/png",
		"audio/mpeg",
		"video/mp4",
		"application/zip",
		"application/octet-stream",
		"application/pdf; version=1.7",
		"font/woff2",
	} {
		rec := compressedResponse(t, "gzip", ct, body, true)
		if got := rec.Header().Get("Content-Encoding"); got != "" {
			t.Errorf("Content-Encoding = %q for %q, want none", got, ct)
		}
	}
}

func TestNoAcceptEncodingMeansIdentity(t *testing.T) {
	body := []byte(strings.Repeat("x", 8192))
	rec := compressedResponse(t, "", "application/json", body, true)
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q without Accept-Encoding, want none", got)
	}
}

func TestDeflateFallback(t *testing.T) {
	body := []byte(strings.Repeat("abc ", 2048))
	rec := compressedResponse(t, "deflate", "text/html; charset=utf-8", body, true)
	if got := rec.Header().Get("Content-Encoding"); got != "deflate" {
		t.Errorf("Content-Encoding = %q, want deflate", got)
	}
}

func TestUndeclaredLengthStillCompresses(t *testing.T) {
	body := []byte(strings.Repeat("y", 8192))
	rec := compressedResponse(t, "gzip", "text/plain", body, false)
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q for undeclared length, want gzip", got)
	}
}
