package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/metrics"
	"github.com/auditmos/adminpanel/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	records []*storage.Record
	err     error
	ctxErr  error
}

func (s *captureSink) Save(ctx context.Context, rec *storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.ctxErr = ctx.Err()
	return s.err
}

func (s *captureSink) all() []*storage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.Record(nil), s.records...)
}

func TestMiddleware_RecordsRequest(t *testing.T) {
	sink := &captureSink{}
	rc := New(Config{Sink: sink})

	h := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("echo:" + string(body)))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/items?x=1", strings.NewReader("hello"))
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "echo:hello", w.Body.String(), "handler must see the full body")

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Len(t, rec.ID, 26)
	assert.NotZero(t, rec.Timestamp)
	assert.Equal(t, "POST", rec.Method)
	assert.Equal(t, "/api/items", rec.Path)
	assert.Equal(t, "x=1", rec.Query)
	assert.Equal(t, 201, rec.StatusCode)
	assert.Equal(t, "192.0.2.10", rec.ClientIP)
	assert.Equal(t, "test-agent", rec.UserAgent)
	assert.Equal(t, "hello", rec.RequestBody)
	assert.Equal(t, "echo:hello", rec.ResponseBody)
	assert.Equal(t, int64(10), rec.ResponseSize)
	assert.Equal(t, "text/plain", rec.ResponseHeaders["Content-Type"])
	assert.Empty(t, rec.Error)
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	sink := &captureSink{}
	h := New(Config{Sink: sink}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Len(t, sink.all(), 1)
	assert.Equal(t, http.StatusOK, sink.all()[0].StatusCode)
}

func TestMiddleware_BodySnapshotLimit(t *testing.T) {
	sink := &captureSink{}
	rc := New(Config{Sink: sink, MaxBodyBytes: 4})

	var seen string
	h := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.Write([]byte("0123456789"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcdefgh")))

	assert.Equal(t, "abcdefgh", seen)
	rec := sink.all()[0]
	assert.Equal(t, "abcd", rec.RequestBody)
	assert.Equal(t, "0123", rec.ResponseBody)
	assert.Equal(t, int64(10), rec.ResponseSize)
}

func TestMiddleware_PanicRecordedOnceAndRepanics(t *testing.T) {
	sink := &captureSink{}
	h := New(Config{Sink: sink}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	assert.PanicsWithValue(t, "kaboom", func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	})

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusInternalServerError, records[0].StatusCode)
	assert.Equal(t, "kaboom", records[0].Error)
}

func TestMiddleware_FailOpen(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewLogger(logging.LoggerConfig{Output: &buf, Formatter: &logging.JSONFormatter{}, Level: logging.DEBUG})
	m := metrics.New(prometheus.NewRegistry())
	sink := &captureSink{err: errors.New("database is locked")}

	h := New(Config{Sink: sink, Log: log, Metrics: m}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Len(t, sink.all(), 1)
	assert.Contains(t, buf.String(), "Failed to record request")
	assert.Contains(t, buf.String(), "database is locked")
}

func TestMiddleware_PersistOutlivesRequestContext(t *testing.T) {
	sink := &captureSink{}
	h := New(Config{Sink: sink}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

	require.Len(t, sink.all(), 1)
	assert.NoError(t, sink.ctxErr)
}

func TestMiddleware_Whitelist(t *testing.T) {
	sink := &captureSink{}
	rc := New(Config{Sink: sink, Whitelist: []string{"/static/", " ", "/healthz"}})

	var active bool
	h := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active = Active(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, sink.all())
	assert.True(t, active)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/", nil))
	assert.Len(t, sink.all(), 1)
}

func TestMiddleware_ScrubsHeaders(t *testing.T) {
	sink := &captureSink{}
	h := New(Config{Sink: sink, Scrubber: storage.NewScrubber()}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "sessionid=abc")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Accept", "text/html")
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := sink.all()[0]
	assert.Equal(t, "***", rec.RequestHeaders["Authorization"])
	assert.Equal(t, "text/html", rec.RequestHeaders["Accept"])
	assert.Equal(t, "***", rec.ResponseHeaders["Set-Cookie"])
}

func TestActive(t *testing.T) {
	assert.False(t, Active(context.Background()))

	var active bool
	h := New(Config{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active = Active(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, active)
}

func TestMiddleware_ConcurrentRequests(t *testing.T) {
	sink := &captureSink{}
	h := New(Config{Sink: sink}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/c", nil))
		}()
	}
	wg.Wait()

	records := sink.all()
	assert.Len(t, records, 25)
	ids := make(map[string]bool)
	for _, rec := range records {
		ids[rec.ID] = true
	}
	assert.Len(t, ids, 25)
}

func TestClientIP_PeerOnly(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded ignored", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "10.0.0.1:1", "10.0.0.1"},
		{"real ip ignored", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:1", "10.0.0.1"},
		{"peer", nil, "192.0.2.1:443", "192.0.2.1"},
		{"no port", nil, "pipe", "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))

			var untrusting *ProxyTrust
			assert.Equal(t, tt.want, untrusting.ClientIP(r))
		})
	}
}

func TestProxyTrust_ClientIP(t *testing.T) {
	trust, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"trusted peer, single hop", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "10.0.0.1:1", "203.0.113.5"},
		{"spoofed left hop skipped", map[string]string{"X-Forwarded-For": "1.1.1.1, 203.0.113.5, 10.0.0.2"}, "10.0.0.1:1", "203.0.113.5"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.2"}, "10.0.0.1:1", "10.0.0.9"},
		{"real ip from trusted peer", map[string]string{"X-Real-IP": "198.51.100.2"}, "192.0.2.7:80", "198.51.100.2"},
		{"untrusted peer spoofing", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "198.51.100.9:1", "198.51.100.9"},
		{"trusted peer, no headers", nil, "10.1.2.3:1", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, trust.ClientIP(r))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	trust, err := ParseTrustedProxies(nil)
	require.NoError(t, err)
	assert.Nil(t, trust)

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)

	trust, err = ParseTrustedProxies([]string{" ::1 "})
	require.NoError(t, err)
	assert.True(t, trust.trusted("::1"))
	assert.False(t, trust.trusted("::2"))
}

func TestMiddleware_IgnoresSpoofedForwardedFor(t *testing.T) {
	sink := &captureSink{}
	rc := New(Config{Sink: sink})

	h := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.77")
	h.ServeHTTP(httptest.NewRecorder(), req)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "198.51.100.9", records[0].ClientIP)
}

func TestMiddleware_HijackedConnection(t *testing.T) {
	sink := &captureSink{}
	rc := New(Config{Sink: sink})

	h := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Not-Sent", "1")
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: close\r\n\r\n")
		buf.Flush()
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/upgrade")
	if err == nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec := sink.all()[0]
	assert.Equal(t, http.StatusSwitchingProtocols, rec.StatusCode)
	assert.Empty(t, rec.ResponseHeaders)
	assert.Empty(t, rec.ResponseBody)
}
