// Package recorder captures every HTTP request/response cycle passing
// through the server and hands it to a Sink. Capture never affects the
// response: persistence errors are logged and counted, not returned.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/metrics"
	"github.com/auditmos/adminpanel/storage"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultMaxBodyBytes   = 64 * 1024
	DefaultPersistTimeout = 2 * time.Second
)

type activeKey struct{}

// Active reports whether the request carrying ctx passed through a Recorder.
func Active(ctx context.Context) bool {
	v, _ := ctx.Value(activeKey{}).(bool)
	return v
}

type Config struct {
	Sink     Sink
	Log      logging.Logger
	Metrics  *metrics.Metrics
	Scrubber *storage.Scrubber
	// Whitelist holds path prefixes that are served but never recorded.
	Whitelist []string
	// TrustedProxies decides whether forwarding headers are believed.
	// Nil means the peer address is always the client.
	TrustedProxies *ProxyTrust
	MaxBodyBytes   int
	PersistTimeout time.Duration
}

type Recorder struct {
	sink           Sink
	log            logging.Logger
	metrics        *metrics.Metrics
	scrubber       *storage.Scrubber
	whitelist      []string
	proxies        *ProxyTrust
	maxBodyBytes   int
	persistTimeout time.Duration
	now            func() time.Time
}

func New(cfg Config) *Recorder {
	log := cfg.Log
	if log == nil {
		log = logging.NopLogger{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	timeout := cfg.PersistTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}

	var whitelist []string
	for _, p := range cfg.Whitelist {
		if p = strings.TrimSpace(p); p != "" {
			whitelist = append(whitelist, p)
		}
	}

	return &Recorder{
		sink:           cfg.Sink,
		log:            log,
		metrics:        cfg.Metrics,
		scrubber:       cfg.Scrubber,
		whitelist:      whitelist,
		proxies:        cfg.TrustedProxies,
		maxBodyBytes:   maxBody,
		persistTimeout: timeout,
		now:            time.Now,
	}
}

func (rc *Recorder) Whitelisted(path string) bool {
	for _, prefix := range rc.whitelist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware wraps next so that each request is recorded exactly once,
// including requests whose handler panics.
func (rc *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(context.WithValue(r.Context(), activeKey{}, true))

		if rc.Whitelisted(r.URL.Path) {
			rc.metrics.CaptureSkipped()
			next.ServeHTTP(w, r)
			return
		}

		start := rc.now()
		reqBody := rc.snapshotBody(r)
		rw := newResponseRecorder(w, rc.maxBodyBytes)

		defer func() {
			p := recover()

			rec := rc.buildRecord(r, rw, reqBody, start)
			if p != nil {
				rec.StatusCode = http.StatusInternalServerError
				rec.Error = fmt.Sprint(p)
			}
			rc.persist(r.Context(), rec)

			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

// snapshotBody reads up to maxBodyBytes of the request body and puts the
// consumed bytes back in front of the remainder for the handler.
func (rc *Recorder) snapshotBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	snap, err := io.ReadAll(io.LimitReader(r.Body, int64(rc.maxBodyBytes)))
	if err != nil {
		rc.log.WithError(err).Debug("recorder", "capture", "Request body snapshot incomplete")
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(snap), r.Body), r.Body}
	return snap
}

func (rc *Recorder) buildRecord(r *http.Request, rw *responseRecorder, reqBody []byte, start time.Time) *storage.Record {
	reqHeaders := flattenHeaders(r.Header)
	// After a hijack the handler speaks on the raw connection, so the
	// header map and body seen here are not what the client received.
	var respHeaders map[string]string
	var respBody string
	if !rw.hijacked {
		respHeaders = flattenHeaders(rw.Header())
		respBody = string(rw.body)
	}
	if rc.scrubber != nil {
		reqHeaders = rc.scrubber.ScrubHeaders(reqHeaders)
		respHeaders = rc.scrubber.ScrubHeaders(respHeaders)
	}

	return &storage.Record{
		ID:              ulid.Make().String(),
		Timestamp:       start.UnixMilli(),
		Method:          r.Method,
		Path:            r.URL.Path,
		Query:           r.URL.RawQuery,
		StatusCode:      rw.Status(),
		DurationMs:      rc.now().Sub(start).Milliseconds(),
		ClientIP:        rc.proxies.ClientIP(r),
		UserAgent:       r.UserAgent(),
		RequestHeaders:  reqHeaders,
		RequestBody:     string(reqBody),
		ResponseHeaders: respHeaders,
		ResponseBody:    respBody,
		ResponseSize:    rw.written,
	}
}

func (rc *Recorder) persist(reqCtx context.Context, rec *storage.Record) {
	if rc.sink == nil {
		return
	}

	log := rc.log.WithFields(logging.Fields{
		"method": rec.Method,
		"path":   rec.Path,
		"status": rec.StatusCode,
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), rc.persistTimeout)
	defer cancel()

	if err := rc.sink.Save(ctx, rec); err != nil {
		rc.metrics.CaptureFailed()
		log.WithError(err).Warn("recorder", "capture", "Failed to record request")
		return
	}

	rc.metrics.RequestCaptured(rec.Method, rec.StatusCode, time.Duration(rec.DurationMs)*time.Millisecond)
	log.Debug("recorder", "capture", "Request recorded")
}

func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}
