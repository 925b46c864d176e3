package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/engine"
	"github.com/tallyhq/tally/internal/model"
	"github.com/tallyhq/tally/internal/store"
)

func newTestServer(t *testing.T) (*api.Server, *engine.EventBroker) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// The pool is never started: handler tests exercise the HTTP layer,
	// not engine dispatch.
	pool := engine.NewPool(engine.Config{Slots: 2, Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		pool.Shutdown(ctx)
	})

	broker := engine.NewEventBroker()
	t.Cleanup(broker.Close)

	srv := api.NewServer(":0", pool, model.NewAnalyses(), st, broker, logger)
	return srv, broker
}

func doRequest(t *testing.T, srv *api.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

func TestCreateAnalysis(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{
		"name":    "descriptives",
		"ns":      "stats",
		"options": map[string]any{"vars": []string{"a"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var view struct {
		ID       uint64 `json:"id"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		Revision uint64 `json:"revision"`
	}
	decode(t, rec, &view)
	if view.ID != 1 || view.Name != "descriptives" {
		t.Errorf("view = %+v", view)
	}
	if view.Status != model.StatusNotRun || view.Revision != 1 {
		t.Errorf("view = %+v, want not-run at revision 1", view)
	}
}

func TestCreateAnalysisValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"ns": "stats"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", rec2.Code)
	}
}

func TestGetAnalysis(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"name": "descriptives"})

	rec := doRequest(t, srv, http.MethodGet, "/v1/analyses/1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	if rec := doRequest(t, srv, http.MethodGet, "/v1/analyses/99", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
	if rec := doRequest(t, srv, http.MethodGet, "/v1/analyses/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestListAnalyses(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"name": "one"})
	doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"name": "two"})

	rec := doRequest(t, srv, http.MethodGet, "/v1/analyses", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Analyses []struct {
			ID   uint64 `json:"id"`
			Name string `json:"name"`
		} `json:"analyses"`
	}
	decode(t, rec, &body)
	if len(body.Analyses) != 2 || body.Analyses[0].Name != "one" {
		t.Errorf("analyses = %+v", body.Analyses)
	}
}

func TestSetOptionsBumpsRevision(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"name": "descriptives"})

	rec := doRequest(t, srv, http.MethodPost, "/v1/analyses/1/options", map[string]any{
		"options": map[string]any{"vars": []string{"b"}},
		"changed": []string{"vars"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var view struct {
		Revision uint64 `json:"revision"`
		Inited   bool   `json:"inited"`
	}
	decode(t, rec, &view)
	if view.Revision != 2 {
		t.Errorf("revision = %d, want 2", view.Revision)
	}
	if view.Inited {
		t.Error("reconfigured analysis should not be inited")
	}
}

func TestRunAnalysisAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"name": "descriptives"})

	rec := doRequest(t, srv, http.MethodPost, "/v1/analyses/1/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestSaveRequiresCompletion(t *testing.T) {
	srv, _ := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/v1/analyses", map[string]any{"name": "descriptives"})

	rec := doRequest(t, srv, http.MethodPost, "/v1/analyses/1/save", map[string]any{"path": "out.bin"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/analyses/1/save", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing path: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/analyses/9/save", map[string]any{"path": "out.bin"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	decode(t, rec, &body)
	if body.Total != 0 || body.Limit != 20 {
		t.Errorf("body = %+v, want total 0 limit 20", body)
	}
}

func TestListRunsClampsLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/runs?limit=1000", nil)
	var body struct {
		Limit int `json:"limit"`
	}
	decode(t, rec, &body)
	if body.Limit != 100 {
		t.Errorf("limit = %d, want clamped to 100", body.Limit)
	}
}

func TestGetStats(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	decode(t, rec, &body)
	if body.Total != 0 {
		t.Errorf("total = %d, want 0", body.Total)
	}
}

func TestListEngines(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/engines", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Engines []struct {
			Slot  int    `json:"slot"`
			State string `json:"state"`
		} `json:"engines"`
	}
	decode(t, rec, &body)
	if len(body.Engines) != 2 {
		t.Fatalf("got %d engines, want 2", len(body.Engines))
	}
	if body.Engines[0].State != "waiting" {
		t.Errorf("slot 0 state = %q, want waiting", body.Engines[0].State)
	}
}

func TestRestartEnginesWithNoLiveProcesses(t *testing.T) {
	srv, _ := newTestServer(t)

	// Nothing is running, so there is nothing to wait for.
	rec := doRequest(t, srv, http.MethodPost, "/v1/engines/restart", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var body struct {
		Restarted bool `json:"restarted"`
	}
	decode(t, rec, &body)
	if !body.Restarted {
		t.Error("restarted = false, want true")
	}
}

func TestListEngineEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/engines/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tally_engine_dispatches_total") {
		t.Error("metrics output missing engine dispatch counter")
	}
}

func TestStreamEvents(t *testing.T) {
	srv, broker := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	broker.Publish(engine.Event{Type: engine.EventError, Slot: 1, Message: "engine process terminated"})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("line = %q, want SSE data frame", line)
	}
	var ev engine.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Slot != 1 || ev.Message != "engine process terminated" {
		t.Errorf("event = %+v", ev)
	}
}
