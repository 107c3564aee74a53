package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/chainlog/chainlog/internal/actor"
	"github.com/chainlog/chainlog/internal/alert"
	"github.com/chainlog/chainlog/internal/audit"
	"github.com/chainlog/chainlog/internal/config"
)

func newTestServer(t *testing.T, authCfg config.AuthConfig) *Server {
	t.Helper()

	dir := t.TempDir()

	log, err := audit.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	registry, err := actor.NewRegistry(filepath.Join(dir, "actors.yaml"))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	watchlist, err := actor.NewWatchlist(filepath.Join(dir, "watchlist.yaml"))
	if err != nil {
		t.Fatalf("NewWatchlist failed: %v", err)
	}
	engine, err := alert.New(filepath.Join(dir, "rules.yaml"))
	if err != nil {
		t.Fatalf("alert.New failed: %v", err)
	}

	return New(Options{
		Addr:      "127.0.0.1:0",
		Log:       log,
		Registry:  registry,
		Watchlist: watchlist,
		Alerts:    engine,
		RulesPath: filepath.Join(dir, "rules.yaml"),
		Auth:      authCfg,
	})
}

// doRequest runs one request through the routing tree and returns the
// recorded response.
func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func appendEvent(t *testing.T, s *Server, ev audit.Event) audit.Record {
	t.Helper()

	w := doRequest(t, s, http.MethodPost, "/api/v1/logs", ev)
	if w.Code != http.StatusCreated {
		t.Fatalf("append returned %d: %s", w.Code, w.Body.String())
	}
	var rec audit.Record
	decodeBody(t, w, &rec)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "healthy" || body["service"] != "chainlog" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestAppendAndGet(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	rec := appendEvent(t, s, audit.Event{
		EventType:      audit.EventIncidentCreated,
		Actor:          "alice",
		TargetResource: "INC-100",
	})
	if rec.LogID == "" || rec.Seq != 1 || rec.IntegrityHash == "" {
		t.Fatalf("record not sealed: %+v", rec)
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs/"+rec.LogID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got audit.Record
	decodeBody(t, w, &got)
	if got.LogID != rec.LogID || got.IntegrityHash != rec.IntegrityHash {
		t.Errorf("lookup returned a different record: %+v", got)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["error"] == "" {
		t.Error("expected an error body")
	}
}

func TestAppend_InvalidJSON(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAppend_ValidationError(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/logs", audit.Event{
		EventType:      audit.EventLogin,
		TargetResource: "auth",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing actor, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if !strings.Contains(body["error"], "actor") {
		t.Errorf("error should name the missing field, got %q", body["error"])
	}
}

func TestQuery_FilterAndPagination(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	for i := 0; i < 3; i++ {
		appendEvent(t, s, audit.Event{
			EventType:      audit.EventLogin,
			Actor:          "alice",
			TargetResource: "auth",
			Status:         audit.StatusFailure,
		})
	}
	appendEvent(t, s, audit.Event{
		EventType:      audit.EventLogout,
		Actor:          "bob",
		TargetResource: "auth",
	})

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs?status=failure&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result audit.QueryResult
	decodeBody(t, w, &result)
	if result.Total != 3 {
		t.Errorf("expected total 3, got %d", result.Total)
	}
	if len(result.Records) != 2 {
		t.Errorf("expected 2 records on the page, got %d", len(result.Records))
	}
	if result.Limit != 2 || result.Page != 1 {
		t.Errorf("unexpected page info: page=%d limit=%d", result.Page, result.Limit)
	}
}

func TestQuery_UnknownEventType(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs?event_type=NOT_A_THING", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestExport_CSV(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	appendEvent(t, s, audit.Event{
		EventType:      audit.EventDataExported,
		Actor:          "carol",
		TargetResource: "report-7",
	})

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs/export?format=csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}
	cd := w.Header().Get("Content-Disposition")
	if !strings.HasPrefix(cd, `attachment; filename="audit_logs_`) || !strings.HasSuffix(cd, `.csv"`) {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if lines[0] != "Timestamp,Event Type,Actor,Target,Description,Status" {
		t.Errorf("unexpected CSV header %q", lines[0])
	}
	if len(lines) != 2 {
		t.Errorf("expected header plus one row, got %d lines", len(lines))
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs/export?format=xml", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestVerify(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	for i := 0; i < 3; i++ {
		appendEvent(t, s, audit.Event{
			EventType:      audit.EventConfigChanged,
			Actor:          "alice",
			TargetResource: "settings",
		})
	}

	w := doRequest(t, s, http.MethodGet, "/api/v1/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var report audit.VerificationReport
	decodeBody(t, w, &report)
	if !report.IsValid || report.ValidCount != 3 || !report.ChainIntegrity {
		t.Errorf("expected a clean report, got %+v", report)
	}
}

func TestVerify_BadBound(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/verify?from=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReport(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	appendEvent(t, s, audit.Event{
		EventType:      audit.EventLogin,
		Actor:          "alice",
		TargetResource: "auth",
	})

	w := doRequest(t, s, http.MethodPost, "/api/v1/reports", map[string]string{
		"report_type": "soc2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var report audit.ComplianceReport
	decodeBody(t, w, &report)
	if report.ReportType != audit.ReportSOC2 {
		t.Errorf("expected SOC2, got %q", report.ReportType)
	}
	if report.Statistics.TotalEvents != 1 {
		t.Errorf("expected 1 event in period, got %d", report.Statistics.TotalEvents)
	}
}

func TestReport_UnknownType(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/reports", map[string]string{
		"report_type": "PCI",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWatchlistLifecycle(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	appendEvent(t, s, audit.Event{
		EventType:      audit.EventLogin,
		Actor:          "mallory",
		TargetResource: "auth",
	})
	s.registry.Touch("mallory", string(audit.RoleAnalyst), false)

	w := doRequest(t, s, http.MethodPost, "/api/v1/watchlist", map[string]string{
		"actor":  "mallory",
		"reason": "credential stuffing suspicion",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/watchlist", nil)
	var entries []actor.WatchEntry
	decodeBody(t, w, &entries)
	if len(entries) != 1 || entries[0].Actor != "mallory" {
		t.Fatalf("expected mallory on the watchlist, got %+v", entries)
	}
	if entries[0].AddedBy != "api" {
		t.Errorf("expected attribution to api, got %q", entries[0].AddedBy)
	}

	got, err := s.registry.Get("mallory")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != actor.StatusWatched {
		t.Errorf("expected registry status watched, got %q", got.Status)
	}

	w = doRequest(t, s, http.MethodDelete, "/api/v1/watchlist/mallory", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/watchlist", nil)
	decodeBody(t, w, &entries)
	if len(entries) != 0 {
		t.Errorf("expected empty watchlist, got %+v", entries)
	}
}

func TestWatchlistAdd_MissingActor(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/watchlist", map[string]string{
		"reason": "no actor given",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestActors(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	s.registry.Touch("alice", string(audit.RoleAdmin), false)
	s.registry.Touch("bob", string(audit.RoleAnalyst), true)

	w := doRequest(t, s, http.MethodGet, "/api/v1/actors", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var actors []actor.Actor
	decodeBody(t, w, &actors)
	if len(actors) != 2 {
		t.Fatalf("expected 2 actors, got %d", len(actors))
	}
	if actors[0].Name != "alice" || actors[1].Name != "bob" {
		t.Errorf("unexpected ordering: %+v", actors)
	}
}

func TestRulesEndpoints(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/rules", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rules []alert.RuleInfo
	decodeBody(t, w, &rules)
	baseline := len(rules)
	if baseline == 0 {
		t.Fatal("expected built-in rules to be listed")
	}

	ruleYAML := "name: flag_bulk_export\nmatch:\n  event_type: DATA_EXPORTED\nseverity: critical\n"
	w = doRequest(t, s, http.MethodPost, "/api/v1/rules", map[string]string{"yaml": ruleYAML})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/rules", nil)
	decodeBody(t, w, &rules)
	if len(rules) != baseline+1 {
		t.Errorf("expected %d rules after add, got %d", baseline+1, len(rules))
	}

	w = doRequest(t, s, http.MethodDelete, "/api/v1/rules/flag_bulk_export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodDelete, "/api/v1/rules/watch_user_deleted", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when deleting a built-in, got %d", w.Code)
	}
}

func TestShutdown_LoopbackOnly(t *testing.T) {
	done := make(chan struct{})
	s := newTestServer(t, config.AuthConfig{})
	s.onShutdown = func() { close(done) }

	// httptest.NewRequest stamps a non-loopback RemoteAddr.
	w := doRequest(t, s, http.MethodPost, "/shutdown", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 from non-loopback, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from loopback, got %d", rec.Code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never ran")
	}
}

// --- Auth tests ---

const testSecret = "test-secret"

func mintToken(t *testing.T, role, secret string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"sub":  "tester",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func authedRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAuth_RequiresToken(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: testSecret})

	w := doRequest(t, s, http.MethodGet, "/api/v1/logs", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}

	// Ops endpoints stay open.
	w = doRequest(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", w.Code)
	}
}

func TestAuth_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: testSecret})

	token := mintToken(t, "admin", "some-other-secret")
	w := authedRequest(t, s, http.MethodGet, "/api/v1/logs", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", w.Code)
	}
}

func TestAuth_RejectsUnknownRole(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: testSecret})

	token := mintToken(t, "superuser", testSecret)
	w := authedRequest(t, s, http.MethodGet, "/api/v1/logs", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown role, got %d", w.Code)
	}
}

func TestAuth_RoleEnforcement(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: testSecret})

	admin := mintToken(t, "admin", testSecret)
	analyst := mintToken(t, "analyst", testSecret)
	auditor := mintToken(t, "auditor", testSecret)

	ev := audit.Event{
		EventType:      audit.EventLogin,
		Actor:          "alice",
		TargetResource: "auth",
	}

	// Any valid role may append.
	w := authedRequest(t, s, http.MethodPost, "/api/v1/logs", analyst, ev)
	if w.Code != http.StatusCreated {
		t.Fatalf("analyst append: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Reads need admin or auditor.
	if w = authedRequest(t, s, http.MethodGet, "/api/v1/logs", analyst, nil); w.Code != http.StatusForbidden {
		t.Errorf("analyst read: expected 403, got %d", w.Code)
	}
	if w = authedRequest(t, s, http.MethodGet, "/api/v1/logs", auditor, nil); w.Code != http.StatusOK {
		t.Errorf("auditor read: expected 200, got %d", w.Code)
	}
	if w = authedRequest(t, s, http.MethodGet, "/api/v1/logs", admin, nil); w.Code != http.StatusOK {
		t.Errorf("admin read: expected 200, got %d", w.Code)
	}

	// Watchlist mutation is admin only.
	add := map[string]string{"actor": "mallory", "reason": "testing"}
	if w = authedRequest(t, s, http.MethodPost, "/api/v1/watchlist", auditor, add); w.Code != http.StatusForbidden {
		t.Errorf("auditor watchlist add: expected 403, got %d", w.Code)
	}
	if w = authedRequest(t, s, http.MethodPost, "/api/v1/watchlist", admin, add); w.Code != http.StatusCreated {
		t.Errorf("admin watchlist add: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuth_SubjectAttribution(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: testSecret})

	admin := mintToken(t, "admin", testSecret)
	w := authedRequest(t, s, http.MethodPost, "/api/v1/watchlist", admin,
		map[string]string{"actor": "mallory", "reason": "testing"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	entries := s.watchlist.List()
	if len(entries) != 1 || entries[0].AddedBy != "tester" {
		t.Errorf("expected added_by from the token subject, got %+v", entries)
	}
}

func TestAuth_QueryParamFallback(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{Enabled: true, JWTSecret: testSecret})

	token := mintToken(t, "auditor", testSecret)
	w := doRequest(t, s, http.MethodGet, "/api/v1/logs?access_token="+token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 via access_token param, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Live feed tests ---

func TestWebSocketFeed(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing feed: %v", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	// Give the hub a moment to register the client before broadcasting.
	time.Sleep(100 * time.Millisecond)

	rec := appendEvent(t, s, audit.Event{
		EventType:      audit.EventIncidentCreated,
		Actor:          "alice",
		TargetResource: "INC-7",
	})
	s.BroadcastRecord(&rec)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading feed message: %v", err)
	}

	var msg struct {
		Type string       `json:"type"`
		Data audit.Record `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decoding feed message %q: %v", payload, err)
	}
	if msg.Type != "audit.appended" {
		t.Errorf("expected audit.appended, got %q", msg.Type)
	}
	if msg.Data.LogID != rec.LogID {
		t.Errorf("feed carried the wrong record: %+v", msg.Data)
	}
}
