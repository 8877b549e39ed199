package dashboard

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/auditmos/adminpanel/auth"
	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/recorder"
	"github.com/auditmos/adminpanel/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates/*.html
var embeddedTemplates embed.FS

const limiterIdle = 3 * time.Minute

type Server struct {
	addr       string
	ctrl       *Controller
	auth       *auth.Authenticator
	recorder   *recorder.Recorder
	ping       http.Handler
	socket     http.Handler
	gatherer   prometheus.Gatherer
	limiter    *clientLimiter
	proxies    *recorder.ProxyTrust
	log        logging.Logger
	templates  *template.Template
	httpServer *http.Server
	listener   net.Listener
	onReady    func()
}

type ServerConfig struct {
	Addr       string
	Controller *Controller
	Auth       *auth.Authenticator
	// Recorder wraps the whole router when set.
	Recorder *recorder.Recorder
	// Ping and Socket serve /api/ping/ and /ws/ping/.
	Ping     http.Handler
	Socket   http.Handler
	Gatherer prometheus.Gatherer
	Logger   logging.Logger
	// TemplatesDir overrides the embedded templates when it exists.
	TemplatesDir   string
	AdminRateLimit float64
	AdminRateBurst int
	// TrustedProxies resolves the client address the rate limit is keyed on.
	TrustedProxies *recorder.ProxyTrust
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("dashboard: controller is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger{}
	}
	authn := cfg.Auth
	if authn == nil {
		authn = auth.New(auth.Config{Log: log})
	}

	s := &Server{
		addr:     cfg.Addr,
		ctrl:     cfg.Controller,
		auth:     authn,
		recorder: cfg.Recorder,
		ping:     cfg.Ping,
		socket:   cfg.Socket,
		gatherer: cfg.Gatherer,
		limiter:  newClientLimiter(cfg.AdminRateLimit, cfg.AdminRateBurst),
		proxies:  cfg.TrustedProxies,
		log:      log,
	}

	tmpl, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	s.templates = tmpl

	return s, nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"statusClass":   statusClass,
		"timeAgo":       timeAgo,
		"formatHeaders": formatHeaders,
		"toJSON":        toJSON,
		"pageLink":      newPageLink,
	}
}

// pageLink is one pager button; it re-posts the view's refine state.
type pageLink struct {
	View  *View
	Page  int
	Label string
}

func newPageLink(v *View, page int, label string) pageLink {
	return pageLink{View: v, Page: page, Label: label}
}

func loadTemplates(overridesDir string) (*template.Template, error) {
	tmpl := template.New("").Funcs(templateFuncs())

	useOverrides := false
	if overridesDir != "" {
		if info, err := os.Stat(overridesDir); err == nil && info.IsDir() {
			useOverrides = true
		}
	}

	var fsys fs.FS = embeddedTemplates
	root := "templates"
	if useOverrides {
		fsys = os.DirFS(overridesDir)
		root = "."
	}

	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".html") {
			return err
		}
		content, readErr := fs.ReadFile(fsys, path)
		if readErr != nil {
			return readErr
		}
		name := strings.TrimSuffix(filepath.Base(path), ".html")
		_, parseErr := tmpl.New(name).Parse(string(content))
		return parseErr
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.ping != nil {
		r.Handle("/api/ping/", s.ping).Methods(http.MethodGet)
	}
	if s.socket != nil {
		r.Handle("/ws/ping/", s.socket).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.rateLimit, s.auth.Middleware)
	admin.HandleFunc("/request-viewer/", s.handleShow).Methods(http.MethodGet)
	admin.HandleFunc("/request-viewer/", s.handleRefine).Methods(http.MethodPost)
	admin.HandleFunc("/request-viewer/exceptions", s.handleExceptions).Methods(http.MethodGet, http.MethodPost)
	admin.HandleFunc("/clear-logs/", s.handleClear)
	admin.HandleFunc("/diagnostics/", s.handleDiagnostics).Methods(http.MethodGet)
	admin.HandleFunc("/modal-content/", s.handleModal).Methods(http.MethodPost)
	admin.HandleFunc("/audit/", s.handleAudit).Methods(http.MethodGet)
	admin.HandleFunc("/scrub-rules/", s.handleScrubRules).Methods(http.MethodGet)
	admin.HandleFunc("/scrub-rules/", s.handleAddScrubRule).Methods(http.MethodPost)
	admin.HandleFunc("/scrub-rules/{id}/delete", s.handleRemoveScrubRule).Methods(http.MethodPost)
	admin.HandleFunc("/custom/", s.handleCustom).Methods(http.MethodGet)

	return r
}

// Handler is the complete middleware chain: trace id, recorder, router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.buildRouter()
	if s.recorder != nil {
		h = s.recorder.Middleware(h)
	}
	return s.trace(h)
}

func (s *Server) SetReadyCallback(fn func()) {
	s.onReady = fn
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithFields(logging.Fields{"addr": s.Addr()}).Info("dashboard", "start", "Dashboard started")
	if s.onReady != nil {
		s.onReady()
	}

	go s.sweepLimiter(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("dashboard", "stop", "Dashboard shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("dashboard serve: %w", err)
	}
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.cleanup(limiterIdle)
		case <-ctx.Done():
			return
		}
	}
}

type traceKey struct{}

func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, traceID)))
	})
}

func (s *Server) requestLogger(r *http.Request) logging.Logger {
	traceID, _ := r.Context().Value(traceKey{}).(string)
	return s.log.WithTraceID(traceID).WithFields(logging.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(s.proxies.ClientIP(r)) {
			s.requestLogger(r).Warn("dashboard", "ratelimit", "Admin rate limit exceeded")
			writeRateLimitExceeded(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	log.Debug("dashboard", "show", "Request received")

	view, err := s.ctrl.Show(r.Context(), auth.FromContext(r.Context()), ParsePage(r.URL.Query().Get("page")))
	if err != nil {
		s.writeError(w, log, "show", err)
		return
	}
	s.render(w, log, "layout", view)
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	log.Debug("dashboard", "refine", "Request received")

	req, err := parseRefineForm(r)
	if err != nil {
		s.writeError(w, log, "refine", err)
		return
	}

	view, err := s.ctrl.Refine(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		s.writeError(w, log, "refine", err)
		return
	}
	s.render(w, log, "table", view)
}

// parseRefineForm reads the refine controls from a POST body. A value key
// that is present but empty still counts as a filter.
func parseRefineForm(r *http.Request) (RefineRequest, error) {
	if err := r.ParseForm(); err != nil {
		return RefineRequest{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	req := RefineRequest{
		FilterBy:  r.PostForm.Get("filterBy"),
		SortBy:    r.PostForm.Get("sortBy"),
		SortOrder: r.PostForm.Get("sortOrder"),
		Page:      r.PostForm.Get("page"),
	}
	if values, ok := r.PostForm["value"]; ok && len(values) > 0 {
		req.FilterValue = &values[0]
	}
	return req, nil
}

// handleExceptions serves the failed-request view: GET renders the page,
// POST refines it and returns the table fragment.
func (s *Server) handleExceptions(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	log.Debug("dashboard", "exceptions", "Request received")

	mode := ModeFull
	req := RefineRequest{Page: r.URL.Query().Get("page")}
	if r.Method == http.MethodPost {
		var err error
		if req, err = parseRefineForm(r); err != nil {
			s.writeError(w, log, "exceptions", err)
			return
		}
		mode = ModeFragment
	}

	view, err := s.ctrl.Exceptions(r.Context(), auth.FromContext(r.Context()), mode, req)
	if err != nil {
		s.writeError(w, log, "exceptions", err)
		return
	}
	if mode == ModeFull {
		s.render(w, log, "layout", view)
		return
	}
	s.render(w, log, "table", view)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	view, err := s.ctrl.Clear(r.Context(), auth.FromContext(r.Context()), r.FormValue("confirm"))
	if err != nil {
		s.writeError(w, log, "clear", err)
		return
	}
	s.render(w, log, "table", view)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.ctrl.RecentDiagnostics(auth.FromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, log, "diagnostics", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleModal(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	capability := auth.FromContext(r.Context())
	var (
		detail *DetailView
		err    error
	)
	if id := r.FormValue("id"); id != "" {
		detail, err = s.ctrl.RecordDetail(r.Context(), capability, id)
	} else {
		detail, err = s.ctrl.Detail(capability, r.FormValue("entity"), r.FormValue("obj"))
	}
	if err != nil {
		s.writeError(w, log, "modal", err)
		return
	}
	s.render(w, log, "modal", detail)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.ctrl.AuditLog(r.Context(), auth.FromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, log, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleScrubRules(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	rules, err := s.ctrl.ScrubRules(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, log, "scrub_rules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) handleAddScrubRule(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	rule, err := s.ctrl.AddScrubRule(r.Context(), auth.FromContext(r.Context()), r.FormValue("pattern"))
	if err != nil {
		s.writeError(w, log, "scrub_rule_add", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRemoveScrubRule(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)

	id := mux.Vars(r)["id"]
	if err := s.ctrl.RemoveScrubRule(r.Context(), auth.FromContext(r.Context()), id); err != nil {
		s.writeError(w, log, "scrub_rule_remove", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleCustom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Custom admin panel endpoint"})
}

func (s *Server) render(w http.ResponseWriter, log logging.Logger, name string, data interface{}) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.WithError(err).Error("dashboard", "render", "Template execution failed")
		writeJSONError(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// writeError maps controller errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, log logging.Logger, action string, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		log.Warn("dashboard", action, "Access denied")
		writeJSONError(w, "access denied", http.StatusForbidden)
	case errors.Is(err, ErrConfirmation):
		log.Warn("dashboard", action, "Clear confirmation rejected")
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotConfigured):
		log.WithError(err).Warn("dashboard", action, "Not found")
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrUnknownEntity), errors.Is(err, ErrMalformedInput):
		log.WithError(err).Warn("dashboard", action, "Bad request")
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		log.WithError(err).Error("dashboard", action, "Request failed")
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "status-2xx"
	case code >= 300 && code < 400:
		return "status-3xx"
	case code >= 400 && code < 500:
		return "status-4xx"
	case code >= 500:
		return "status-5xx"
	default:
		return ""
	}
}

func timeAgo(timestamp int64) string {
	t := time.UnixMilli(timestamp)
	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("02 Jan 2006 15:04:05")
	}
}

// formatHeaders renders headers one per line in key order.
func formatHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(headers[k])
	}
	return sb.String()
}

func toJSON(rec *storage.Record) string {
	data, err := json.Marshal(rec)
	if err != nil {
		return "{}"
	}
	return string(data)
}
