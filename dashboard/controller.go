package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/auditmos/adminpanel/auth"
	"github.com/auditmos/adminpanel/logging"
	"github.com/auditmos/adminpanel/metrics"
	"github.com/auditmos/adminpanel/query"
	"github.com/auditmos/adminpanel/recorder"
	"github.com/auditmos/adminpanel/storage"
	"github.com/google/uuid"
	"github.com/valyala/fastjson"
)

var (
	ErrForbidden      = errors.New("access denied")
	ErrConfirmation   = errors.New("clear confirmation missing or expired")
	ErrUnknownEntity  = errors.New("unknown entity")
	ErrMalformedInput = errors.New("malformed payload")
	ErrNotFound       = errors.New("not found")
	ErrNotConfigured  = errors.New("not configured")
)

const (
	DiagnosticsLimit   = 50
	DefaultConfirmTTL  = 10 * time.Minute
	defaultAuditLimit  = 50
	defaultDetailModel = "request"
)

// Mode tells the renderer whether to produce a whole page or a fragment.
type Mode int

const (
	ModeFull Mode = iota
	ModeFragment
)

func (m Mode) String() string {
	if m == ModeFragment {
		return "fragment"
	}
	return "full"
}

// View is everything the request table templates render.
type View struct {
	Mode   Mode
	Result query.Result[*storage.Record]
	// Exceptions marks the view limited to failed requests.
	Exceptions bool
	FilterBy   string
	// FilterActive is set when a value was submitted, even an empty one.
	FilterActive bool
	FilterValue  string
	SortBy       string
	SortOrder    string
	Live         bool
	ConfirmToken string
}

// Action is the path the refine and pager forms post back to.
func (v *View) Action() string {
	if v.Exceptions {
		return "/admin/request-viewer/exceptions"
	}
	return "/admin/request-viewer/"
}

type RefineRequest struct {
	FilterBy    string
	FilterValue *string
	SortBy      string
	SortOrder   string
	// Page is the raw form value; empty, zero or unparsable means 1.
	Page string
}

type DetailRow struct {
	Key   string
	Value string
}

type DetailView struct {
	Entity string
	Rows   []DetailRow
}

// Archiver snapshots records before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, records []*storage.Record) (string, error)
}

// RuleReloader picks up scrub rule edits without a restart.
type RuleReloader interface {
	Reload(ctx context.Context) error
}

type ControllerConfig struct {
	Repo                storage.RecordRepo
	Audit               storage.AuditRepo
	Archiver            Archiver
	ScrubRules          storage.ScrubRuleRepo
	Scrubber            RuleReloader
	Diagnostics         *logging.MemoryBuffer
	Log                 logging.Logger
	Metrics             *metrics.Metrics
	LiveMonitoring      bool
	RequireConfirmation bool
	ConfirmTTL          time.Duration
}

type Controller struct {
	repo           storage.RecordRepo
	audit          storage.AuditRepo
	archiver       Archiver
	scrubRules     storage.ScrubRuleRepo
	scrubber       RuleReloader
	diagnostics    *logging.MemoryBuffer
	log            logging.Logger
	metrics        *metrics.Metrics
	liveMonitoring bool
	requireConfirm bool
	confirmTTL     time.Duration
	now            func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time
}

func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Log
	if log == nil {
		log = logging.NopLogger{}
	}
	diag := cfg.Diagnostics
	if diag == nil {
		diag = logging.Diagnostics()
	}
	ttl := cfg.ConfirmTTL
	if ttl <= 0 {
		ttl = DefaultConfirmTTL
	}
	return &Controller{
		repo:           cfg.Repo,
		audit:          cfg.Audit,
		archiver:       cfg.Archiver,
		scrubRules:     cfg.ScrubRules,
		scrubber:       cfg.Scrubber,
		diagnostics:    diag,
		log:            log,
		metrics:        cfg.Metrics,
		liveMonitoring: cfg.LiveMonitoring,
		requireConfirm: cfg.RequireConfirmation,
		confirmTTL:     ttl,
		now:            time.Now,
		tokens:         make(map[string]time.Time),
	}
}

func authorize(c auth.Capability) error {
	if !c.Admin {
		return ErrForbidden
	}
	return nil
}

// Show renders the unrefined first view of the records.
func (c *Controller) Show(ctx context.Context, capability auth.Capability, page int) (*View, error) {
	view, err := c.show(ctx, capability, page)
	c.metrics.DashboardAction("show", err)
	return view, err
}

func (c *Controller) show(ctx context.Context, capability auth.Capability, page int) (*View, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}

	records, err := c.repo.All(ctx)
	if err != nil {
		return nil, logging.WrapError("show", err)
	}

	return &View{
		Mode:         ModeFull,
		Result:       query.Run(records, query.Params{Page: page}, c.log),
		Live:         c.LiveStatus(ctx),
		ConfirmToken: c.issueConfirmToken(),
	}, nil
}

// Refine re-queries with the caller's filter, sort and page.
func (c *Controller) Refine(ctx context.Context, capability auth.Capability, req RefineRequest) (*View, error) {
	view, err := c.refine(ctx, capability, req)
	c.metrics.DashboardAction("refine", err)
	return view, err
}

func (c *Controller) refine(ctx context.Context, capability auth.Capability, req RefineRequest) (*View, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}

	records, err := c.repo.All(ctx)
	if err != nil {
		return nil, logging.WrapError("refine", err)
	}
	return c.refinedView(ctx, records, ModeFragment, req), nil
}

// Exceptions lists only records that carry an error, refined like Refine.
// ModeFull renders the standalone page; ModeFragment only the table.
func (c *Controller) Exceptions(ctx context.Context, capability auth.Capability, mode Mode, req RefineRequest) (*View, error) {
	view, err := c.exceptions(ctx, capability, mode, req)
	c.metrics.DashboardAction("exceptions", err)
	return view, err
}

func (c *Controller) exceptions(ctx context.Context, capability auth.Capability, mode Mode, req RefineRequest) (*View, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}

	records, err := c.repo.All(ctx)
	if err != nil {
		return nil, logging.WrapError("exceptions", err)
	}
	failed := make([]*storage.Record, 0, len(records))
	for _, rec := range records {
		if rec.Error != "" {
			failed = append(failed, rec)
		}
	}

	view := c.refinedView(ctx, failed, mode, req)
	view.Exceptions = true
	return view, nil
}

func (c *Controller) refinedView(ctx context.Context, records []*storage.Record, mode Mode, req RefineRequest) *View {
	order := req.SortOrder
	if order == "" {
		order = query.OrderAsc
	}
	params := query.Params{
		FilterBy:    req.FilterBy,
		FilterValue: req.FilterValue,
		SortBy:      req.SortBy,
		SortOrder:   order,
		Page:        ParsePage(req.Page),
	}

	view := &View{
		Mode:      mode,
		Result:    query.Run(records, params, c.log),
		FilterBy:  req.FilterBy,
		SortBy:    req.SortBy,
		SortOrder: order,
		Live:      c.LiveStatus(ctx),
	}
	if req.FilterValue != nil {
		view.FilterActive = true
		view.FilterValue = *req.FilterValue
	}
	return view
}

// ParsePage maps a raw page value to a page number, defaulting to 1.
func ParsePage(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Clear deletes every record. The HTTP method is not significant. When
// confirmation is required, token must be one issued by Show that has not
// been used or expired. A clear that fails before the delete leaves the
// token usable until it expires.
func (c *Controller) Clear(ctx context.Context, capability auth.Capability, token string) (*View, error) {
	view, err := c.clear(ctx, capability, token)
	c.metrics.DashboardAction("clear", err)
	return view, err
}

func (c *Controller) clear(ctx context.Context, capability auth.Capability, token string) (*View, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	// restore stays set until the delete has gone through.
	var restore bool
	if c.requireConfirm {
		expiry, ok := c.takeConfirmToken(token)
		if !ok {
			return nil, ErrConfirmation
		}
		defer func() {
			if restore {
				c.restoreConfirmToken(token, expiry)
			}
		}()
		restore = true
	}

	log := c.log.WithFields(logging.Fields{"actor": capability.Actor})

	var location string
	if c.archiver != nil {
		records, err := c.repo.All(ctx)
		if err != nil {
			return nil, logging.WrapError("clear: load records", err)
		}
		location, err = c.archiver.Archive(ctx, records)
		if err != nil {
			log.WithError(err).Error("dashboard", "clear", "Archive failed, records kept")
			return nil, logging.WrapError("clear: archive", err)
		}
	}

	n, err := c.repo.DeleteAll(ctx)
	if err != nil {
		log.WithError(err).Error("dashboard", "clear", "Delete failed")
		return nil, logging.WrapError("clear: delete", err)
	}
	restore = false
	c.metrics.RecordsCleared(n)

	log = log.WithFields(logging.Fields{"deleted": n, "archive": location})
	log.Warn("dashboard", "clear", "All records cleared")

	if c.audit != nil {
		detail := ""
		if location != "" {
			detail = "archived to " + location
		}
		ev := &storage.AuditEvent{
			Action:   storage.AuditActionClear,
			Actor:    capability.Actor,
			Detail:   detail,
			Affected: n,
		}
		if err := c.audit.Record(ctx, ev); err != nil {
			log.WithError(err).Error("dashboard", "clear", "Audit write failed")
			return nil, logging.WrapError("clear: audit", err)
		}
	}

	return &View{
		Mode:   ModeFragment,
		Result: query.Paginate([]*storage.Record{}, 1),
		Live:   c.LiveStatus(ctx),
	}, nil
}

func (c *Controller) issueConfirmToken() string {
	token := uuid.NewString()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for t, exp := range c.tokens {
		if now.After(exp) {
			delete(c.tokens, t)
		}
	}
	c.tokens[token] = now.Add(c.confirmTTL)
	return token
}

// takeConfirmToken removes token and reports whether it was live.
func (c *Controller) takeConfirmToken(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.tokens[token]
	if !ok {
		return time.Time{}, false
	}
	delete(c.tokens, token)
	return exp, !c.now().After(exp)
}

func (c *Controller) restoreConfirmToken(token string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = expiry
}

// LiveStatus is true when live monitoring is on and the request passed
// through the recorder.
func (c *Controller) LiveStatus(ctx context.Context) bool {
	return c.liveMonitoring && recorder.Active(ctx)
}

// RecentDiagnostics returns up to limit of the newest diagnostic log lines,
// oldest first. limit <= 0 means DiagnosticsLimit; larger values are capped.
func (c *Controller) RecentDiagnostics(capability auth.Capability, limit int) ([]logging.MemoryLogEntry, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DiagnosticsLimit {
		limit = DiagnosticsLimit
	}
	return c.diagnostics.Recent(limit), nil
}

func (c *Controller) AuditLog(ctx context.Context, capability auth.Capability, limit int) ([]*storage.AuditEvent, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	if c.audit == nil {
		return []*storage.AuditEvent{}, nil
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	events, err := c.audit.List(ctx, limit)
	if err != nil {
		return nil, logging.WrapError("audit", err)
	}
	return events, nil
}

var detailEntities = map[string]bool{
	"request": true,
	"log":     true,
}

// Detail decodes a JSON object into sorted rows for the modal of entity.
func (c *Controller) Detail(capability auth.Capability, entity, payload string) (*DetailView, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	if entity == "" {
		entity = defaultDetailModel
	}
	if !detailEntities[entity] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}

	var p fastjson.Parser
	v, err := p.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	rows := make([]DetailRow, 0, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		rows = append(rows, DetailRow{Key: string(key), Value: renderValue(val)})
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	return &DetailView{Entity: entity, Rows: rows}, nil
}

// RecordDetail loads a stored record by id and renders it like Detail.
func (c *Controller) RecordDetail(ctx context.Context, capability auth.Capability, id string) (*DetailView, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	rec, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, logging.WrapError("detail", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: record %q", ErrNotFound, id)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, logging.WrapError("detail", err)
	}
	return c.Detail(capability, defaultDetailModel, string(payload))
}

func (c *Controller) ScrubRules(ctx context.Context, capability auth.Capability) ([]*storage.ScrubRule, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	if c.scrubRules == nil {
		return nil, fmt.Errorf("scrub rules: %w", ErrNotConfigured)
	}
	rules, err := c.scrubRules.GetAll(ctx)
	if err != nil {
		return nil, logging.WrapError("scrub rules", err)
	}
	return rules, nil
}

// AddScrubRule stores a header pattern and reloads the live scrubber.
func (c *Controller) AddScrubRule(ctx context.Context, capability auth.Capability, pattern string) (*storage.ScrubRule, error) {
	rule, err := c.addScrubRule(ctx, capability, pattern)
	c.metrics.DashboardAction("scrub_rule_add", err)
	return rule, err
}

func (c *Controller) addScrubRule(ctx context.Context, capability auth.Capability, pattern string) (*storage.ScrubRule, error) {
	if err := authorize(capability); err != nil {
		return nil, err
	}
	if c.scrubRules == nil {
		return nil, fmt.Errorf("scrub rules: %w", ErrNotConfigured)
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("%w: pattern cannot be empty", ErrMalformedInput)
	}

	rule, err := c.scrubRules.Create(ctx, pattern)
	if err != nil {
		return nil, logging.WrapError("scrub rule add", err)
	}
	if err := c.reloadScrubber(ctx); err != nil {
		return nil, err
	}

	c.log.WithFields(logging.Fields{"actor": capability.Actor, "pattern": rule.Pattern}).
		Info("dashboard", "scrub_rule_add", "Scrub rule added")
	c.recordAudit(ctx, storage.AuditActionScrubRuleAdd, capability.Actor, rule.Pattern)
	return rule, nil
}

// RemoveScrubRule deletes a rule by id and reloads the live scrubber.
func (c *Controller) RemoveScrubRule(ctx context.Context, capability auth.Capability, id string) error {
	err := c.removeScrubRule(ctx, capability, id)
	c.metrics.DashboardAction("scrub_rule_remove", err)
	return err
}

func (c *Controller) removeScrubRule(ctx context.Context, capability auth.Capability, id string) error {
	if err := authorize(capability); err != nil {
		return err
	}
	if c.scrubRules == nil {
		return fmt.Errorf("scrub rules: %w", ErrNotConfigured)
	}

	if err := c.scrubRules.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			return fmt.Errorf("%w: scrub rule %q", ErrNotFound, id)
		}
		return logging.WrapError("scrub rule remove", err)
	}
	if err := c.reloadScrubber(ctx); err != nil {
		return err
	}

	c.log.WithFields(logging.Fields{"actor": capability.Actor, "rule": id}).
		Info("dashboard", "scrub_rule_remove", "Scrub rule removed")
	c.recordAudit(ctx, storage.AuditActionScrubRuleRemove, capability.Actor, id)
	return nil
}

func (c *Controller) reloadScrubber(ctx context.Context) error {
	if c.scrubber == nil {
		return nil
	}
	if err := c.scrubber.Reload(ctx); err != nil {
		return logging.WrapError("scrubber reload", err)
	}
	return nil
}

// recordAudit is best effort: the change it describes already happened.
func (c *Controller) recordAudit(ctx context.Context, action, actor, detail string) {
	if c.audit == nil {
		return
	}
	ev := &storage.AuditEvent{Action: action, Actor: actor, Detail: detail, Affected: 1}
	if err := c.audit.Record(ctx, ev); err != nil {
		c.log.WithError(err).Error("dashboard", action, "Audit write failed")
	}
}

func renderValue(v *fastjson.Value) string {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNull:
		return ""
	default:
		return v.String()
	}
}
