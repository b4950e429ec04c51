package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawboard/internal/auth"
	"github.com/basket/clawboard/internal/board"
	"github.com/basket/clawboard/internal/bus"
	"github.com/basket/clawboard/internal/config"
	"github.com/basket/clawboard/internal/gateway"
	"github.com/basket/clawboard/internal/ingest"
	"github.com/basket/clawboard/internal/metrics"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/reporting"
	"github.com/basket/clawboard/internal/sysinfo"
	"github.com/basket/clawboard/internal/workflow"
)

type testServer struct {
	*httptest.Server
	store *persistence.Store
}

func newTestServer(t *testing.T, mutate func(*gateway.Config)) *testServer {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawboard.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gate := workflow.NewGate(workflow.NewLivePolicy(workflow.Default()), store)
	ing, err := ingest.New(ingest.Config{Store: store, Bus: b})
	if err != nil {
		t.Fatalf("ingest engine: %v", err)
	}
	collector, registry := metrics.New(nil)
	cfg := gateway.Config{
		Store:     store,
		Board:     board.New(board.Config{Store: store, Gate: gate, Bus: b}),
		Ingest:    ing,
		Reports:   reporting.New(reporting.Config{Store: store}),
		Collector: collector,
		Registry:  registry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) response {
	t.Helper()
	var rdr io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := response{status: resp.StatusCode, header: resp.Header}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return out
}

func expectStatus(t *testing.T, r response, want int) {
	t.Helper()
	if r.status != want {
		t.Fatalf("expected %d, got %d: %v", want, r.status, r.body)
	}
}

func taskID(t *testing.T, r response) int {
	t.Helper()
	task, ok := r.body["task"].(map[string]any)
	if !ok {
		t.Fatalf("no task in %v", r.body)
	}
	return int(task["id"].(float64))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	r := ts.do(t, http.MethodGet, "/api/health", nil)
	expectStatus(t, r, http.StatusOK)
	if r.body["ok"] != true || r.body["db_ok"] != true || r.body["service"] != "clawboard" {
		t.Fatalf("unexpected health body: %v", r.body)
	}
	if r.header.Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID response header")
	}
}

func TestTraceIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, nil)
	const id = "6f1c0f8e-7c2a-4a7c-9d55-3a3e8e0b9c11"
	r := ts.do(t, http.MethodGet, "/api/health", nil, "X-Trace-ID", id)
	if got := r.header.Get("X-Trace-ID"); got != id {
		t.Fatalf("expected trace id %s, got %s", id, got)
	}
	r = ts.do(t, http.MethodGet, "/api/health", nil, "X-Trace-ID", "not-a-uuid")
	if got := r.header.Get("X-Trace-ID"); got == "not-a-uuid" || got == "" {
		t.Fatalf("malformed trace id should be replaced, got %q", got)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "Ship the board", "tags": []string{"infra"}})
	expectStatus(t, created, http.StatusCreated)
	id := taskID(t, created)
	task := created.body["task"].(map[string]any)
	if task["display_id"] != "OC-001" || task["status"] != "backlog" || task["is_blocked"] != false {
		t.Fatalf("unexpected task: %v", task)
	}

	expectStatus(t, ts.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", id), nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks/999", nil), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks/abc", nil), http.StatusBadRequest)

	refused := ts.do(t, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", id), map[string]any{"status": "review"})
	expectStatus(t, refused, http.StatusConflict)
	if refused.body["rule"] != workflow.RuleTraceability || refused.body["ok"] != false {
		t.Fatalf("unexpected conflict body: %v", refused.body)
	}

	patched := ts.do(t, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", id),
		map[string]any{"status": "review", "github_url": "https://github.com/basket/clawboard/pull/1"},
		"X-Actor", "ada")
	expectStatus(t, patched, http.StatusOK)

	history := ts.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/history", id), nil)
	expectStatus(t, history, http.StatusOK)
	entries := history.body["history"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %v", entries)
	}
	if entries[0].(map[string]any)["actor"] != "ada" {
		t.Fatalf("expected actor ada, got %v", entries[0])
	}

	expectStatus(t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", id), map[string]any{"body": "looks good"}), http.StatusCreated)
	expectStatus(t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", id), map[string]any{"body": "  "}), http.StatusBadRequest)
	comments := ts.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/comments", id), nil)
	if n := len(comments.body["comments"].([]any)); n != 1 {
		t.Fatalf("expected 1 comment, got %d", n)
	}

	list := ts.do(t, http.MethodGet, "/api/tasks?status=review,done&search=board", nil)
	expectStatus(t, list, http.StatusOK)
	if n := len(list.body["tasks"].([]any)); n != 1 {
		t.Fatalf("expected 1 listed task, got %d", n)
	}

	expectStatus(t, ts.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", id), nil), http.StatusNotFound)
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	r := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "", "priority": "urgent"})
	expectStatus(t, r, http.StatusBadRequest)
	if r.body["field"] == nil {
		t.Fatalf("expected field in validation error: %v", r.body)
	}
	expectStatus(t, ts.do(t, http.MethodPost, "/api/tasks", "{not json"), http.StatusBadRequest)
}

func TestLiveBindingGate(t *testing.T) {
	ts := newTestServer(t, nil)
	id := taskID(t, ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "Agent work", "owner": "ada"}))

	refused := ts.do(t, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", id), map[string]any{"status": "in-progress"})
	expectStatus(t, refused, http.StatusConflict)
	if refused.body["rule"] != workflow.RuleLiveBinding {
		t.Fatalf("expected live_binding conflict, got %v", refused.body)
	}

	hb := ts.do(t, http.MethodPost, "/api/presence/heartbeat", map[string]any{"owner": "Ada"})
	expectStatus(t, hb, http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", id), map[string]any{"status": "in-progress"}), http.StatusOK)

	presence := ts.do(t, http.MethodGet, "/api/presence", nil)
	rows := presence.body["presence"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["owner"] != "ada" || rows[0].(map[string]any)["active"] != true {
		t.Fatalf("unexpected presence: %v", rows)
	}
	expectStatus(t, ts.do(t, http.MethodPost, "/api/presence/heartbeat", map[string]any{"owner": "nobody"}), http.StatusBadRequest)
}

func TestDependencies(t *testing.T) {
	ts := newTestServer(t, nil)
	a := taskID(t, ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "A"}))
	b := taskID(t, ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "B"}))

	first := ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dependencies", b), map[string]any{"blocked_by": a})
	expectStatus(t, first, http.StatusCreated)
	if first.body["created"] != true {
		t.Fatalf("expected created=true, got %v", first.body)
	}
	dup := ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dependencies", b), map[string]any{"blocked_by": a})
	expectStatus(t, dup, http.StatusCreated)
	if dup.body["created"] != false {
		t.Fatalf("expected created=false for duplicate, got %v", dup.body)
	}

	deps := ts.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d/dependencies", b), nil)
	expectStatus(t, deps, http.StatusOK)
	if deps.body["is_blocked"] != true || deps.body["unresolved_blocker_count"] != float64(1) {
		t.Fatalf("unexpected dependency summary: %v", deps.body)
	}

	cycle := ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dependencies", a), map[string]any{"blocked_by": b})
	expectStatus(t, cycle, http.StatusBadRequest)
	if cycle.body["path"] == nil {
		t.Fatalf("expected cycle path, got %v", cycle.body)
	}
	expectStatus(t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dependencies", a), map[string]any{"blocked_by": a}), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dependencies", a), map[string]any{"blocked_by": 999}), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/dependencies", a), map[string]any{}), http.StatusBadRequest)

	for i := 0; i < 2; i++ {
		expectStatus(t, ts.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d/dependencies/%d", b, a), nil), http.StatusOK)
	}
	expectStatus(t, ts.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/999/dependencies/%d", a), nil), http.StatusNotFound)
}

func TestIngestAndReport(t *testing.T) {
	ts := newTestServer(t, nil)
	id := taskID(t, ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "Metered"}))

	ingested := ts.do(t, http.MethodPost, "/api/reports/tokens/events", map[string]any{"events": []map[string]any{
		{"task_id": id, "agent": "dev", "model": "gpt-4o-mini", "prompt_tokens": 100, "completion_tokens": 50, "cost_usd": 0.003, "event_uid": "e1"},
		{"agent": "dev", "model": "gpt-4o-mini", "prompt_tokens": 20, "completion_tokens": 10, "cost_usd": 0.0006, "event_uid": "e2"},
	}})
	expectStatus(t, ingested, http.StatusOK)
	if ingested.body["inserted"] != float64(2) {
		t.Fatalf("unexpected ingest result: %v", ingested.body)
	}

	partial := ts.do(t, http.MethodPost, "/api/reports/tokens/events", map[string]any{"events": []map[string]any{
		{"event_uid": "e1", "total_tokens": 1},
		{"task_id": 999, "total_tokens": 1},
	}})
	expectStatus(t, partial, http.StatusMultiStatus)
	if partial.body["deduped"] != float64(1) || len(partial.body["rejected"].([]any)) != 1 {
		t.Fatalf("unexpected partial result: %v", partial.body)
	}
	expectStatus(t, ts.do(t, http.MethodPost, "/api/reports/tokens/events", map[string]any{"events": []any{}}), http.StatusBadRequest)

	all := ts.do(t, http.MethodGet, "/api/reports/tokens?window=30", nil)
	expectStatus(t, all, http.StatusOK)
	totals := all.body["totals"].(map[string]any)
	if totals["total_tokens"] != float64(180) || totals["linked_events"] != float64(1) || totals["unlinked_events"] != float64(1) {
		t.Fatalf("unexpected totals: %v", totals)
	}

	linked := ts.do(t, http.MethodGet, "/api/reports/tokens?window=30&include_unlinked=false", nil)
	totals = linked.body["totals"].(map[string]any)
	if totals["total_tokens"] != float64(150) || totals["unlinked_events"] != float64(0) {
		t.Fatalf("unexpected linked-only totals: %v", totals)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/api/reports/tokens?window=14", nil), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/reports/tokens?start=2026-09-03&end=2026-09-01", nil), http.StatusBadRequest)

	rec := ts.do(t, http.MethodGet, "/api/reports/tokens/reconcile", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.body["ok"] != true || len(rec.body["results"].([]any)) != 6 {
		t.Fatalf("unexpected reconciliation: %v", rec.body)
	}
}

func TestIngestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) { c.IngestRatePerMinute = 2 })
	event := map[string]any{"total_tokens": 1}
	for i := 0; i < 2; i++ {
		expectStatus(t, ts.do(t, http.MethodPost, "/api/reports/tokens/events", event), http.StatusOK)
	}
	r := ts.do(t, http.MethodPost, "/api/reports/tokens/events", event)
	expectStatus(t, r, http.StatusTooManyRequests)
	if r.header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	// Other routes are not limited.
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks", nil), http.StatusOK)
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) { c.MaxBodyBytes = 64 })
	big := map[string]any{"title": strings.Repeat("x", 200)}
	expectStatus(t, ts.do(t, http.MethodPost, "/api/tasks", big), http.StatusRequestEntityTooLarge)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/reports/tokens/events", map[string]any{"agent": strings.Repeat("x", 200)}), http.StatusRequestEntityTooLarge)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) {
		c.Auth = auth.New(config.AuthConfig{Password: "hunter2", APIKeys: []string{"agent-key"}})
	})

	expectStatus(t, ts.do(t, http.MethodGet, "/api/health", nil), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks", nil), http.StatusUnauthorized)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/auth/session", map[string]any{"password": "nope"}), http.StatusUnauthorized)

	login := ts.do(t, http.MethodPost, "/api/auth/session", map[string]any{"password": "hunter2"})
	expectStatus(t, login, http.StatusCreated)
	token, _ := login.body["token"].(string)
	if token == "" {
		t.Fatalf("expected session token, got %v", login.body)
	}
	bearer := "Bearer " + token
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks", nil, "Authorization", bearer), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks", nil, "X-API-Key", "agent-key"), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks", nil, "X-API-Key", "wrong"), http.StatusUnauthorized)

	expectStatus(t, ts.do(t, http.MethodDelete, "/api/auth/session", nil, "Authorization", bearer), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/tasks", nil, "Authorization", bearer), http.StatusUnauthorized)
}

func TestPasswordLoginDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, http.MethodPost, "/api/auth/session", map[string]any{"password": "x"}), http.StatusNotFound)
}

func TestSystemHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	ts := newTestServer(t, func(c *gateway.Config) {
		c.Auth = auth.New(config.AuthConfig{APIKeys: []string{"agent-key"}})
		c.System = sysinfo.New(sysinfo.Options{
			ProcPath:    filepath.Join(t.TempDir(), "proc"),
			DiskPath:    t.TempDir(),
			Services:    []sysinfo.Service{{Name: "gateway", URL: upstream.URL}},
			CPUInterval: time.Millisecond,
		})
	})

	expectStatus(t, ts.do(t, http.MethodGet, "/api/system/health", nil), http.StatusUnauthorized)

	r := ts.do(t, http.MethodGet, "/api/system/health", nil, "Authorization", "Bearer agent-key")
	expectStatus(t, r, http.StatusOK)
	if r.body["ok"] != true {
		t.Fatalf("unexpected body: %v", r.body)
	}
	services, _ := r.body["services"].(map[string]any)
	gw, _ := services["gateway"].(map[string]any)
	if gw["up"] != true || gw["status"] != float64(http.StatusAccepted) || gw["url"] != upstream.URL {
		t.Fatalf("unexpected gateway check: %v", services)
	}
	// The procfs root does not exist, so cpu and memory are reported as errors.
	if errs, _ := r.body["errors"].([]any); len(errs) < 2 {
		t.Fatalf("expected procfs errors, got %v", r.body["errors"])
	}
}

func TestSystemHealth_DisabledWithoutSampler(t *testing.T) {
	ts := newTestServer(t, nil)
	expectStatus(t, ts.do(t, http.MethodGet, "/api/system/health", nil), http.StatusNotFound)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/api/health", nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), `clawboard_http_requests_total{code="200",route="GET /api/health"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", raw)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, func(c *gateway.Config) { c.AllowOrigins = []string{"https://board.example"} })

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/tasks", nil)
	req.Header.Set("Origin", "https://board.example")
	req.Header.Set("Access-Control-Request-Method", "PATCH")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://board.example" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("PATCH not allowed: %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}

	r := ts.do(t, http.MethodGet, "/api/health", nil, "Origin", "https://evil.example")
	if r.header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin should not be allowed")
	}
	expectStatus(t, r, http.StatusOK)

	r = ts.do(t, http.MethodOptions, "/api/tasks", nil,
		"Origin", "https://evil.example", "Access-Control-Request-Method", "DELETE")
	expectStatus(t, r, http.StatusForbidden)
}
