package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/tdl/internal/config"
	"github.com/me/tdl/internal/metrics"
	"github.com/me/tdl/internal/store"
	"github.com/me/tdl/pkg/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", quietLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return New(config.DefaultServerConfig(), testStore(t), quietLogger(), opts...)
}

func cruiseYAML(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "modules", "cruise.yaml"))
	if err != nil {
		t.Fatalf("read testdata: %v", err)
	}
	return string(data)
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path string, body any, wantStatus int) envelope {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func createRun(t *testing.T, srv *Server, until string) *model.Run {
	t.Helper()
	env := do(t, srv, "POST", "/api/v1/runs/", model.RunRequest{Module: cruiseYAML(t), Until: until}, http.StatusCreated)
	var data struct {
		Run *model.Run `json:"run"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return data.Run
}

func TestDiscovery(t *testing.T) {
	env := do(t, testServer(t), "GET", "/api/v1/", nil, http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if data.Name != "TDL API" || len(data.Endpoints) < 5 {
		t.Errorf("discovery = %+v", data)
	}
}

func TestHealth(t *testing.T) {
	env := do(t, testServer(t), "GET", "/api/v1/health", nil, http.StatusOK)
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Store != "available" || data.Metrics != "disabled" {
		t.Errorf("health = %+v", data)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req_caller")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req_caller" {
		t.Errorf("X-Request-ID = %q, want req_caller", got)
	}
	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	if env.RequestID != "req_caller" {
		t.Errorf("request_id = %q, want req_caller", env.RequestID)
	}
}

func TestCreateSchedule(t *testing.T) {
	env := do(t, testServer(t), "POST", "/api/v1/schedules", model.ScheduleRequest{Module: cruiseYAML(t)}, http.StatusOK)

	var data struct {
		Schedule struct {
			Module    string            `json:"module"`
			StartMode string            `json:"start_mode"`
			Nodes     []json.RawMessage `json:"nodes"`
		} `json:"schedule"`
		Warnings []model.FieldError `json:"warnings"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Schedule.Module != "cruise" || data.Schedule.StartMode != "normal" {
		t.Errorf("schedule header = %s/%s", data.Schedule.Module, data.Schedule.StartMode)
	}
	if len(data.Schedule.Nodes) == 0 {
		t.Error("schedule has no nodes")
	}
}

func TestCreateSchedule_StartModeOverride(t *testing.T) {
	env := do(t, testServer(t), "POST", "/api/v1/schedules",
		model.ScheduleRequest{Module: cruiseYAML(t), StartMode: "safe"}, http.StatusOK)
	var data struct {
		Schedule struct {
			StartMode string `json:"start_mode"`
		} `json:"schedule"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Schedule.StartMode != "safe" {
		t.Errorf("start_mode = %q, want safe", data.Schedule.StartMode)
	}
}

func TestCreateSchedule_DOT(t *testing.T) {
	srv := testServer(t)
	b, _ := json.Marshal(model.ScheduleRequest{Module: cruiseYAML(t)})
	req := httptest.NewRequest("POST", "/api/v1/schedules?format=dot", bytes.NewReader(b))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/vnd.graphviz" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(w.Body.String(), `digraph "cruise"`) {
		t.Errorf("body does not start with digraph: %.40s", w.Body.String())
	}
}

func TestCreateSchedule_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		status   int
		wantCode model.ErrorCode
	}{
		{"missing module", model.ScheduleRequest{}, http.StatusBadRequest, model.ErrValidation},
		{"bad yaml", model.ScheduleRequest{Module: "name: [unterminated"}, http.StatusBadRequest, model.ErrValidation},
		{"unknown start", model.ScheduleRequest{Module: "name: x\nmodes:\n  - name: m\n    period: 10ms\n", StartMode: "nope"}, http.StatusBadRequest, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, testServer(t), "POST", "/api/v1/schedules", tt.body, tt.status)
			if env.Status != "error" || env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantCode)
			}
		})
	}
}

func TestCreateSchedule_InvalidJSON(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest("POST", "/api/v1/schedules", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateRun(t *testing.T) {
	srv := testServer(t)
	env := do(t, srv, "POST", "/api/v1/runs/", model.RunRequest{Module: cruiseYAML(t), Until: "1s"}, http.StatusCreated)

	var data struct {
		Run       *model.Run     `json:"run"`
		Writes    []any          `json:"writes"`
		Actuators map[string]any `json:"actuators"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	run := data.Run
	if !strings.HasPrefix(run.ID, "run_") {
		t.Errorf("id = %q, want run_ prefix", run.ID)
	}
	if run.State != model.RunStateCompleted || run.FinalMode != "safe" {
		t.Errorf("run state/mode = %s/%s", run.State, run.FinalMode)
	}
	if run.Until.Std() != time.Second || run.Events == 0 || run.TraceHash == "" || run.CompletedAt == nil {
		t.Errorf("run = %+v", run)
	}
	if len(data.Writes) == 0 {
		t.Error("no actuator writes")
	}
	if _, ok := data.Actuators["throttle"]; !ok {
		t.Error("missing throttle in actuators")
	}

	got := do(t, srv, "GET", "/api/v1/runs/"+run.ID, nil, http.StatusOK)
	var stored model.Run
	json.Unmarshal(got.Data, &stored)
	if stored.TraceHash != run.TraceHash || stored.Events != run.Events {
		t.Errorf("stored run = %+v, want hash %s events %d", stored, run.TraceHash, run.Events)
	}
}

func TestCreateRun_DefaultHorizon(t *testing.T) {
	run := createRun(t, testServer(t), "")
	want := time.Duration(config.DefaultRunConfig().Periods) * 100 * time.Millisecond
	if run.Until.Std() != want {
		t.Errorf("until = %s, want %s", run.Until, want)
	}
}

func TestCreateRun_Errors(t *testing.T) {
	srv := testServer(t)
	tests := []struct {
		name  string
		req   model.RunRequest
		field string
	}{
		{"bad until", model.RunRequest{Module: cruiseYAML(t), Until: "soon"}, "until"},
		{"over limit", model.RunRequest{Module: cruiseYAML(t), Until: "2h"}, "until"},
		{"missing module", model.RunRequest{Until: "1s"}, "module"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, srv, "POST", "/api/v1/runs/", tt.req, http.StatusBadRequest)
			if env.Error == nil || len(env.Error.Details) == 0 || env.Error.Details[0].Field != tt.field {
				t.Errorf("error = %+v, want field %s", env.Error, tt.field)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	srv := testServer(t)
	for i := 0; i < 3; i++ {
		createRun(t, srv, "200ms")
	}

	env := do(t, srv, "GET", "/api/v1/runs/?limit=2", nil, http.StatusOK)
	var runs []model.Run
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	env = do(t, srv, "GET", "/api/v1/runs/?module=other", nil, http.StatusOK)
	if string(env.Data) != "[]" {
		t.Errorf("filtered data = %s, want []", env.Data)
	}

	do(t, srv, "GET", "/api/v1/runs/?limit=x", nil, http.StatusBadRequest)
}

func TestGetRun_NotFound(t *testing.T) {
	env := do(t, testServer(t), "GET", "/api/v1/runs/run_missing", nil, http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestListEvents(t *testing.T) {
	srv := testServer(t)
	run := createRun(t, srv, "1s")

	env := do(t, srv, "GET", "/api/v1/runs/"+run.ID+"/events", nil, http.StatusOK)
	var events []model.Event
	json.Unmarshal(env.Data, &events)
	if len(events) != run.Events {
		t.Errorf("got %d events, want %d", len(events), run.Events)
	}

	env = do(t, srv, "GET", "/api/v1/runs/"+run.ID+"/events?kind=MODE_SWITCH&mode=normal", nil, http.StatusOK)
	events = nil
	json.Unmarshal(env.Data, &events)
	if len(events) == 0 {
		t.Fatal("no mode switch events")
	}
	for _, e := range events {
		if e.Kind != "MODE_SWITCH" || e.Mode != "normal" {
			t.Errorf("unfiltered event %+v", e)
		}
	}

	do(t, srv, "GET", "/api/v1/runs/run_missing/events", nil, http.StatusNotFound)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, WithMetrics(metrics.New()))
	createRun(t, srv, "200ms")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"tdl_dispatch_actions_total", `tdl_runs_total{state="COMPLETED"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	srv := testServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
