// Package proxy implements an intercepting forward proxy. Plaintext HTTP
// is relayed through a streaming redaction filter; HTTPS is tunneled
// opaquely via CONNECT without TLS termination.
package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"scrubproxy/pkg/redact"
	"scrubproxy/pkg/sse"
)

var hasPort = regexp.MustCompile(`:\d+$`)

// Server is the proxy listener/dispatcher. It implements http.Handler:
// CONNECT requests go to the tunnel bridge, everything else through the
// forward relay. Configure the exported fields before serving; they must
// not change afterwards.
type Server struct {
	// Tr carries all outbound plaintext relays. Upstream certificate
	// verification is off by default: the proxy is operator-trusted local
	// infrastructure, not a public-facing server. See NewServer.
	Tr *http.Transport

	// Base, when set, resolves relative request targets so the proxy can
	// double as a single-purpose gateway in front of one API.
	Base *url.URL

	// Patterns is the redaction registry snapshot shared by every relayed
	// response. Read-only once serving starts.
	Patterns []redact.Pattern

	// Overlap is the redaction overlap window in bytes; <= 0 means
	// redact.DefaultOverlap.
	Overlap int

	// OnEvent, if set, receives each Server-Sent Event decoded from an
	// event-stream response. Observation only.
	OnEvent sse.Hook

	// OnTunnel, if set, receives the size of every chunk copied through a
	// CONNECT tunnel. outbound is true for client-to-upstream bytes. The
	// observer cannot alter, drop, or reorder tunneled bytes.
	OnTunnel func(reqID int64, outbound bool, n int)

	// DialTimeout bounds the upstream leg of a CONNECT.
	DialTimeout time.Duration

	events *sse.Decoder
	sess   atomic.Int64
}

// NewServer builds a proxy. base is an optional upstream URL for relative
// targets ("" disables it). verifyUpstreamTLS re-enables certificate
// checking on the outbound leg; the default off is a deliberate trust
// decision for a locally run proxy, not an oversight.
func NewServer(base string, patterns []redact.Pattern, verifyUpstreamTLS bool) (*Server, error) {
	var baseURL *url.URL
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("upstream base: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream base %q must be an absolute URL", base)
		}
		baseURL = u
	}
	s := &Server{
		Tr: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifyUpstreamTLS},
		},
		Base:        baseURL,
		Patterns:    patterns,
		DialTimeout: 5 * time.Second,
	}
	s.events = sse.NewDecoder(s.handleEvent)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.tunnel(s.newCtx(r, DirectionTunnel), w, r)
	} else {
		s.relay(s.newCtx(r, DirectionPlain), w, r)
	}
}

func (s *Server) newCtx(r *http.Request, dir Direction) *Ctx {
	ctx := &Ctx{
		ReqID:     s.sess.Add(1),
		Direction: dir,
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if h, p, found := strings.Cut(host, ":"); found {
		ctx.Host, ctx.Port = h, p
	} else {
		ctx.Host = host
	}
	return ctx
}

// relay resolves the target, forwards the request upstream, and streams
// the response back through a fresh redaction transform. Event-stream
// responses are additionally fed, chunk by chunk, to the SSE decoder.
func (s *Server) relay(ctx *Ctx, w http.ResponseWriter, r *http.Request) {
	target, err := s.resolveTarget(r)
	if err != nil {
		zap.S().Warnf("[%v] reject %v %v: %v", ctx.ReqID, r.Method, r.RequestURI, err)
		requestsTotal.WithLabelValues(string(ctx.Direction), "bad_target").Inc()
		http.Error(w, "Invalid URL: "+err.Error(), http.StatusBadRequest)
		return
	}
	zap.S().Debugf("[%v] relay %v %v", ctx.ReqID, r.Method, target)

	// The client's context cancels when its connection closes, which in
	// turn aborts the upstream request. No orphaned upstream legs.
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		requestsTotal.WithLabelValues(string(ctx.Direction), "bad_target").Inc()
		http.Error(w, "Invalid URL: "+err.Error(), http.StatusBadRequest)
		return
	}
	out.ContentLength = r.ContentLength
	copyProxyHeaders(out.Header, r.Header)

	resp, err := s.Tr.RoundTrip(out)
	if err != nil {
		zap.S().Errorf("[%v] upstream %v failed: %v", ctx.ReqID, target, err)
		requestsTotal.WithLabelValues(string(ctx.Direction), "upstream_error").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	// Redaction can change the body length.
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	eventStream := strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	if eventStream {
		defer s.events.End(ctx.ReqID)
	}

	tr := redact.NewTransform(s.Patterns, s.Overlap)
	tr.OnMatch = func(name string) { redactionsTotal.WithLabelValues(name).Inc() }
	flusher, _ := w.(http.Flusher)

	var sent int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if eventStream {
				s.events.Feed(ctx.ReqID, string(buf[:n]))
			}
			nw, ok := s.emit(ctx, w, flusher, tr.Chunk(buf[:n]))
			sent += nw
			if !ok {
				requestsTotal.WithLabelValues(string(ctx.Direction), "client_gone").Inc()
				return
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				zap.S().Errorf("[%v] read from upstream failed: %v", ctx.ReqID, rerr)
			}
			break
		}
	}
	if nw, ok := s.emit(ctx, w, flusher, tr.Flush()); ok {
		sent += nw
	}
	requestsTotal.WithLabelValues(string(ctx.Direction), "ok").Inc()
	zap.S().Infof("[%v] relay %v %v: %v, %v bytes", ctx.ReqID, r.Method, target, resp.StatusCode, sent)
}

func (s *Server) emit(ctx *Ctx, w http.ResponseWriter, flusher http.Flusher, p []byte) (int64, bool) {
	if len(p) == 0 {
		return 0, true
	}
	n, err := w.Write(p)
	if err != nil {
		zap.S().Errorf("[%v] write to client failed: %v", ctx.ReqID, err)
		return int64(n), false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return int64(n), true
}

// resolveTarget picks the upstream URL for a plaintext request: absolute
// targets pass through, relative paths resolve against the configured
// base, anything else is a client error.
func (s *Server) resolveTarget(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	if s.Base != nil && strings.HasPrefix(r.URL.Path, "/") {
		return s.Base.ResolveReference(r.URL), nil
	}
	return nil, fmt.Errorf("target %q is not absolute and no upstream base is configured", r.RequestURI)
}

func (s *Server) handleEvent(reqID int64, ev sse.Event) {
	sseEventsTotal.Inc()
	zap.S().Debugf("[%v] sse event: type=%v id=%q retry=%v data=%v bytes", reqID, ev.Type, ev.ID, ev.Retry, len(ev.Data))
	if s.OnEvent != nil {
		s.OnEvent(reqID, ev)
	}
}

// copyProxyHeaders forwards everything except proxy-specific and
// single-hop headers. Accept-Encoding stays behind so the transport
// negotiates gzip itself and hands the relay a decompressed body; the
// redaction filter matches text, not deflate streams. Host derives from
// the outbound URL.
func copyProxyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	dst.Del("Host")
	dst.Del("Proxy-Connection")
	dst.Del("Proxy-Authenticate")
	dst.Del("Proxy-Authorization")
	dst.Del("Connection")
	dst.Del("Accept-Encoding")
}
