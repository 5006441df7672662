package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrubproxy/pkg/redact"
	"scrubproxy/pkg/sse"
)

func newTestServer(t *testing.T, base string) *Server {
	t.Helper()
	s, err := NewServer(base, redact.Load(nil), false)
	require.NoError(t, err)
	return s
}

// proxiedClient routes absolute-URL requests through the proxy the way a
// real tool pointed at it would.
func proxiedClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
}

func TestRelayAbsoluteURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/a", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	front := httptest.NewServer(newTestServer(t, ""))
	defer front.Close()

	resp, err := proxiedClient(t, front.URL).Get(upstream.URL + "/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestRelayRelativePathUsesUpstreamBase(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, "pong")
	}))
	defer upstream.Close()

	front := httptest.NewServer(newTestServer(t, upstream.URL))
	defer front.Close()

	resp, err := http.Get(front.URL + "/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/ping", gotPath)
	assert.Equal(t, "pong", string(body))
}

func TestRelayRedactsResponseBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "contact me at a@b.com")
	}))
	defer upstream.Close()

	front := httptest.NewServer(newTestServer(t, upstream.URL))
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "contact me at [EMAILS_REDACTED]", string(body))
}

func TestRelayInvalidTargetReturns400(t *testing.T) {
	front := httptest.NewServer(newTestServer(t, ""))
	defer front.Close()

	resp, err := http.Get(front.URL + "/no/base/configured")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Invalid URL")
}

func TestRelayUpstreamErrorReturns500(t *testing.T) {
	// Grab a port nobody is listening on anymore.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	front := httptest.NewServer(newTestServer(t, deadURL))
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, string(body))
}

func TestRelayStripsProxyHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
	}))
	defer upstream.Close()

	front := httptest.NewServer(newTestServer(t, upstream.URL))
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("X-Custom", "yes")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestRelayStreamsRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "payload bytes", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	front := httptest.NewServer(newTestServer(t, upstream.URL))
	defer front.Close()

	resp, err := http.Post(front.URL+"/ingest", "text/plain", strings.NewReader("payload bytes"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRelayObservesEventStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "event: ping\ndata: 1\n\n")
		flusher.Flush()
		io.WriteString(w, "data: second\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	p := newTestServer(t, upstream.URL)
	var mu sync.Mutex
	var events []sse.Event
	p.OnEvent = func(reqID int64, ev sse.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/stream")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	// The relayed bytes pass through unmodified (nothing matches).
	assert.Equal(t, "event: ping\ndata: 1\n\ndata: second\n\n", string(body))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, sse.Event{Type: "ping", Data: "1"}, events[0])
	assert.Equal(t, sse.Event{Type: "message", Data: "second"}, events[1])
}

func TestRelayDropsAccumulatorWhenStreamEnds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: only\n\ndata: unterminated tail")
	}))
	defer upstream.Close()

	p := newTestServer(t, upstream.URL)
	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/stream")
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Zero(t, p.events.Pending())
}

func TestRequestIDsUniqueUnderConcurrency(t *testing.T) {
	p := newTestServer(t, "")
	const n = 100
	ids := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
			ids[i] = p.newCtx(r, DirectionPlain).ReqID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < n; i++ {
		assert.NotEqual(t, ids[i-1], ids[i])
	}
	assert.Equal(t, int64(n), p.sess.Load())
}

func TestNewServerRejectsRelativeBase(t *testing.T) {
	_, err := NewServer("not-a-url", nil, false)
	assert.Error(t, err)
}

func TestNewCtxRecordsTarget(t *testing.T) {
	p := newTestServer(t, "")
	r := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: "example.test:443"},
		Host:   "example.test:443",
	}
	ctx := p.newCtx(r, DirectionTunnel)
	assert.Equal(t, DirectionTunnel, ctx.Direction)
	assert.Equal(t, "example.test", ctx.Host)
	assert.Equal(t, "443", ctx.Port)
	assert.Equal(t, http.MethodConnect, ctx.Method)
}
