package edge

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Compressor decides per response whether to encode the body, negotiating
// gzip/deflate against Accept-Encoding and bypassing small or already-dense
// payloads.
type Compressor struct {
	policy *PolicyHolder
}

// NewCompressor creates a compressor over a policy holder.
func NewCompressor(policy *PolicyHolder) *Compressor {
	return &Compressor{policy: policy}
}

// Wrap returns the response writer the downstream handler should use, plus a
// finish func the pipeline must call after the handler returns. When the
// client accepts no supported scheme, w is returned unchanged.
func (c *Compressor) Wrap(w http.ResponseWriter, r *http.Request) (http.ResponseWriter, func()) {
	scheme := negotiateScheme(r.Header.Get("Accept-Encoding"))
	if scheme == "" {
		return w, func() {}
	}
	cw := &compressWriter{
		ResponseWriter: w,
		scheme:         scheme,
		policy:         c.policy.Load(),
	}
	return cw, cw.finish
}

// negotiateScheme picks the first supported scheme in preference order.
func negotiateScheme(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	lower := strings.ToLower(acceptEncoding)
	if strings.Contains(lower, "gzip") {
		return "gzip"
	}
	if strings.Contains(lower, "deflate") {
		return "deflate"
	}
	return ""
}

// compressWriter defers the encode decision to the first write, when the
// downstream handler has set Content-Type and (possibly) Content-Length.
type compressWriter struct {
	http.ResponseWriter
	scheme  string
	policy  *Policy
	decided bool
	enc     io.WriteCloser
	status  int
}

func (cw *compressWriter) WriteHeader(status int) {
	cw.status = status
	cw.decide()
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressWriter) Write(p []byte) (int, error) {
	if !cw.decided {
		cw.decide()
		if cw.status == 0 {
			cw.ResponseWriter.WriteHeader(http.StatusOK)
		}
	}
	if cw.enc != nil {
		return cw.enc.Write(p)
	}
	return cw.ResponseWriter.Write(p)
}

func (cw *compressWriter) decide() {
	if cw.decided {
		return
	}
	cw.decided = true
	h := cw.Header()

	if h.Get("Content-Encoding") != "" {
		return // downstream already encoded
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n < cw.policy.CompressionThreshold {
			return
		}
	}
	if skipMIME(h.Get("Content-Type"), cw.policy.CompressionExcludedTypes) {
		return
	}

	h.Set("Content-Encoding", cw.scheme)
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	switch cw.scheme {
	case "gzip":
		cw.enc = gzip.NewWriter(cw.ResponseWriter)
	case "deflate":
		zw, err := flate.NewWriter(cw.ResponseWriter, flate.DefaultCompression)
		if err != nil {
			// Invalid level cannot happen with DefaultCompression; fall back
			// to identity rather than fail the response.
			h.Del("Content-Encoding")
			return
		}
		cw.enc = zw
	}
}

func (cw *compressWriter) finish() {
	if cw.enc != nil {
		_ = cw.enc.Close()
	}
}

// skipMIME reports whether the normalized content type bypasses compression:
// media prefixes, or membership in the excluded set.
func skipMIME(contentType string, excluded map[string]struct{}) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return false
	}
	if strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "video/") {
		return true
	}
	_, skip := excluded[ct]
	return skip
}
