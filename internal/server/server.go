// Package server exposes the audit log over HTTP.
//
// Surface:
//
//	POST /api/v1/logs                     append a record
//	GET  /api/v1/logs                     filtered, paginated query
//	GET  /api/v1/logs/{logID}             single record lookup
//	GET  /api/v1/logs/export              filtered snapshot download
//	GET  /api/v1/verify                   chain verification
//	POST /api/v1/reports                  compliance report
//	GET  /api/v1/actors                   actor registry listing
//	GET/POST/DELETE /api/v1/watchlist     watchlist management
//	GET/POST/DELETE /api/v1/rules         alert rule management
//	GET  /api/v1/events/ws                WebSocket live feed
//	GET  /health, /metrics                ops endpoints
//	POST /shutdown                        graceful stop (loopback only)
//
// Every failure is a JSON body {"error": "..."} with the status carrying
// the class: 400 validation, 401/403 auth, 404 missing record, 503 store
// trouble. Tampering is never an error; verification reports carry it as
// data with a 200.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainlog/chainlog/internal/actor"
	"github.com/chainlog/chainlog/internal/alert"
	"github.com/chainlog/chainlog/internal/audit"
	"github.com/chainlog/chainlog/internal/config"
	"github.com/chainlog/chainlog/internal/metrics"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Addr      string
	Log       *audit.Log
	Registry  *actor.Registry
	Watchlist *actor.Watchlist
	Alerts    *alert.Engine
	RulesPath string // Path to rules.yaml for saving after modifications.
	Auth      config.AuthConfig

	// OnAppend runs after every successful append through the API, with
	// the sealed record. The daemon hangs the metrics/alerting fan-out
	// here so HTTP and event bus appends share one pipeline.
	OnAppend func(*audit.Record)

	// OnShutdown is invoked by POST /shutdown after the response is sent.
	OnShutdown func()
}

// Server is the HTTP front end over the audit log.
type Server struct {
	log        *audit.Log
	registry   *actor.Registry
	watchlist  *actor.Watchlist
	alerts     *alert.Engine
	rulesPath  string
	auth       config.AuthConfig
	onAppend   func(*audit.Record)
	onShutdown func()

	hub        *wsHub
	httpServer *http.Server
}

// New creates a Server and starts its WebSocket broadcast hub.
func New(opts Options) *Server {
	s := &Server{
		log:        opts.Log,
		registry:   opts.Registry,
		watchlist:  opts.Watchlist,
		alerts:     opts.Alerts,
		rulesPath:  opts.RulesPath,
		auth:       opts.Auth,
		onAppend:   opts.OnAppend,
		onShutdown: opts.OnShutdown,
		hub:        newWSHub(),
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.run()

	return s
}

// Start serves HTTP until Shutdown is called. Blocks.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routing tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// BroadcastRecord pushes an appended record to all feed subscribers.
func (s *Server) BroadcastRecord(rec *audit.Record) {
	s.hub.broadcastMessage(msgRecordAppended, rec)
}

// alertPayload is the live feed shape of a raised alert, carrying enough
// of the triggering record for a console to render it standalone.
type alertPayload struct {
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	LogID    string `json:"log_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// BroadcastAlert pushes a raised alert to all feed subscribers.
func (s *Server) BroadcastAlert(a alert.Alert, rec *audit.Record) {
	payload := alertPayload{
		Severity: a.Severity,
		Rule:     a.Rule,
		Message:  a.Message,
	}
	if rec != nil {
		payload.LogID = rec.LogID
		payload.Actor = rec.Actor
	}
	s.hub.broadcastMessage(msgAlert, payload)
}

// BroadcastVerification pushes a verification outcome to all feed
// subscribers. Consoles key off is_valid=false to pin an integrity
// banner until a clean run clears it.
func (s *Server) BroadcastVerification(report *audit.VerificationReport) {
	s.hub.broadcastMessage(msgVerifyDone, report)
}

// routes assembles the routing tree. Roles only gate anything when auth
// is enabled: append accepts any valid role, reads need admin or auditor,
// watchlist and rule mutations need admin.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/shutdown", s.handleShutdown)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Group(func(g chi.Router) {
			g.Use(s.requireRole(audit.RoleAdmin, audit.RoleAnalyst, audit.RoleAuditor))
			g.Post("/logs", s.handleAppend)
		})

		api.Group(func(g chi.Router) {
			g.Use(s.requireRole(audit.RoleAdmin, audit.RoleAuditor))
			g.Get("/logs", s.handleQuery)
			g.Get("/logs/export", s.handleExport)
			g.Get("/logs/{logID}", s.handleGetRecord)
			g.Get("/verify", s.handleVerify)
			g.Post("/reports", s.handleReport)
			g.Get("/actors", s.handleActors)
			g.Get("/watchlist", s.handleWatchlistList)
			g.Get("/rules", s.handleRulesList)
			g.Get("/events/ws", s.handleWebSocket)
		})

		api.Group(func(g chi.Router) {
			g.Use(s.requireRole(audit.RoleAdmin))
			g.Post("/watchlist", s.handleWatchlistAdd)
			g.Delete("/watchlist/{actor}", s.handleWatchlistRemove)
			g.Post("/rules", s.handleRulesAdd)
			g.Delete("/rules/{name}", s.handleRulesRemove)
		})
	})

	return r
}

// --- Handlers ---

// handleHealth is the liveness probe.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "chainlog",
	})
}

// handleShutdown stops the daemon gracefully. Loopback callers only;
// anything arriving over a real interface gets a 403.
// POST /shutdown
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		writeError(w, http.StatusForbidden, "shutdown only accepted from loopback")
		return
	}

	slog.Info("shutdown requested via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

// handleAppend appends one record.
// POST /api/v1/logs  { "event_type": "...", "actor": "...", ... }
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var ev audit.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.log.Append(r.Context(), ev)
	if err != nil {
		metrics.AppendErrorsTotal.WithLabelValues(appendErrorReason(err)).Inc()
		writeError(w, errStatus(err), err.Error())
		return
	}

	if s.onAppend != nil {
		s.onAppend(rec)
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleQuery returns one page of filtered records.
// GET /api/v1/logs?event_type=&actor=&target_type=&status=&date_from=&date_to=&search=&page=&limit=
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}

	q := r.URL.Query()
	page, limit := 0, 0
	if v := q.Get("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	start := time.Now()
	result, err := s.log.Query(r.Context(), f, page, limit)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetRecord looks up a single record by log ID.
// GET /api/v1/logs/{logID}
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.log.GetByLogID(r.Context(), chi.URLParam(r, "logID"))
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleExport streams the complete filtered record set as a download.
// GET /api/v1/logs/export?format=csv|json|jsonl + query filters
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	var contentType string
	switch format {
	case "csv":
		contentType = "text/csv"
	case "json":
		contentType = "application/json"
	case "jsonl":
		contentType = "application/x-ndjson"
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q (use csv, json, or jsonl)", format))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", audit.ExportFilename(format, time.Now())))

	if err := s.log.Export(r.Context(), w, format, f); err != nil {
		// The status line is already written; the failure can only be logged.
		slog.Error("export failed", "format", format, "error", err)
	}
}

// handleVerify walks the chain and returns the verification report.
// GET /api/v1/verify?from=&to=
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseSeqBound(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseSeqBound(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.log.Verify(r.Context(), from, to)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}

	metrics.RecordVerification("api", report.ChainIntegrity, report.TamperedCount)
	s.BroadcastVerification(report)
	writeJSON(w, http.StatusOK, report)
}

// handleReport generates a compliance report over a period.
// POST /api/v1/reports  { "report_type": "SOC2", "period_start": "...", "period_end": "..." }
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReportType  string `json:"report_type"`
		PeriodStart string `json:"period_start"`
		PeriodEnd   string `json:"period_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	typ, err := audit.ParseReportType(req.ReportType)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}

	var start, end time.Time
	if req.PeriodStart != "" {
		if start, err = audit.ParseDateBound(req.PeriodStart, false); err != nil {
			writeError(w, errStatus(err), err.Error())
			return
		}
	}
	if req.PeriodEnd != "" {
		if end, err = audit.ParseDateBound(req.PeriodEnd, true); err != nil {
			writeError(w, errStatus(err), err.Error())
			return
		}
	} else {
		end = time.Now()
	}

	report, err := s.log.GenerateReport(r.Context(), typ, start, end)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleActors lists the actor registry.
// GET /api/v1/actors
func (s *Server) handleActors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleWatchlistList lists the watchlist.
// GET /api/v1/watchlist
func (s *Server) handleWatchlistList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watchlist.List())
}

// handleWatchlistAdd places an actor on the watchlist and flags it in
// the registry.
// POST /api/v1/watchlist  { "actor": "mallory", "reason": "..." }
func (s *Server) handleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor field required")
		return
	}
	if req.Reason == "" {
		req.Reason = "added via API"
	}

	if err := s.watchlist.Add(req.Actor, req.Reason, subjectFromContext(r.Context(), "api")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.registry.SetStatus(req.Actor, actor.StatusWatched)

	writeJSON(w, http.StatusCreated, map[string]string{"status": "watched", "actor": req.Actor})
}

// handleWatchlistRemove takes an actor off the watchlist.
// DELETE /api/v1/watchlist/{actor}
func (s *Server) handleWatchlistRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "actor")
	if err := s.watchlist.Remove(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.registry.SetStatus(name, actor.StatusActive)

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "actor": name})
}

// handleRulesList lists alert rules.
// GET /api/v1/rules
func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.ListRules())
}

// handleRulesAdd adds a custom alert rule.
// POST /api/v1/rules  { "yaml": "..." }
func (s *Server) handleRulesAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML string `json:"yaml"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.YAML == "" {
		writeError(w, http.StatusBadRequest, "yaml field required")
		return
	}

	if err := s.alerts.AddRule(req.YAML); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.saveRules()

	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

// handleRulesRemove removes a custom alert rule by name.
// DELETE /api/v1/rules/{name}
func (s *Server) handleRulesRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.alerts.RemoveRule(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.saveRules()

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

func (s *Server) saveRules() {
	if s.rulesPath == "" {
		return
	}
	if err := s.alerts.Save(s.rulesPath); err != nil {
		slog.Error("failed to save rules", "path", s.rulesPath, "error", err)
	}
}

// --- Helpers ---

// parseFilter builds an audit filter from the request's query string.
// Shared by query and export so both accept the same parameters.
func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter

	if v := q.Get("event_type"); v != "" {
		t, err := audit.ParseEventType(v)
		if err != nil {
			return f, err
		}
		f.EventType = t
	}
	if v := q.Get("target_type"); v != "" {
		t := audit.TargetType(strings.ToLower(v))
		if !t.Valid() {
			return f, fmt.Errorf("%w: unknown target type %q", audit.ErrValidation, v)
		}
		f.TargetType = t
	}
	if v := q.Get("status"); v != "" {
		st := audit.Status(strings.ToLower(v))
		if !st.Valid() {
			return f, fmt.Errorf("%w: unknown status %q", audit.ErrValidation, v)
		}
		f.Status = st
	}

	f.Actor = q.Get("actor")
	f.Search = q.Get("search")

	if v := q.Get("date_from"); v != "" {
		t, err := audit.ParseDateBound(v, false)
		if err != nil {
			return f, err
		}
		f.From = t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := audit.ParseDateBound(v, true)
		if err != nil {
			return f, err
		}
		f.To = t
	}

	return f, nil
}

// parseSeqBound parses an optional sequence bound; empty means unbounded.
func parseSeqBound(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence bound %q", v)
	}
	return n, nil
}

// errStatus maps the audit error taxonomy onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, audit.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrAvailability), errors.Is(err, audit.ErrConcurrency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// appendErrorReason labels an append failure for the error counter.
func appendErrorReason(err error) string {
	switch {
	case errors.Is(err, audit.ErrValidation):
		return "validation"
	case errors.Is(err, audit.ErrConcurrency):
		return "concurrency"
	default:
		return "availability"
	}
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeError sends the uniform JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
