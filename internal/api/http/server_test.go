package httpapi

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"symrun/internal/api"
	"symrun/internal/cliutil"
	"symrun/internal/metrics"
)

type mockController struct {
	startFn     func(stdcontext.Context, api.RunRequest) (*api.RunRecord, error)
	getFn       func(stdcontext.Context, string) (*api.RunRecord, error)
	listFn      func(stdcontext.Context) ([]*api.RunRecord, error)
	cancelFn    func(stdcontext.Context, string, bool) (*api.RunRecord, error)
	subscribeFn func(stdcontext.Context, string) (<-chan cliutil.Record, func(), error)
	tasksFn     func(stdcontext.Context) ([]api.TaskSummary, error)
}

func (m *mockController) Start(ctx stdcontext.Context, req api.RunRequest) (*api.RunRecord, error) {
	if m.startFn != nil {
		return m.startFn(ctx, req)
	}
	return nil, nil
}

func (m *mockController) Get(ctx stdcontext.Context, id string) (*api.RunRecord, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}

func (m *mockController) List(ctx stdcontext.Context) ([]*api.RunRecord, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockController) Cancel(ctx stdcontext.Context, id string, force bool) (*api.RunRecord, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id, force)
	}
	return nil, nil
}

func (m *mockController) Subscribe(ctx stdcontext.Context, id string) (<-chan cliutil.Record, func(), error) {
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, id)
	}
	ch := make(chan cliutil.Record)
	close(ch)
	return ch, func() {}, nil
}

func (m *mockController) Tasks(ctx stdcontext.Context) ([]api.TaskSummary, error) {
	if m.tasksFn != nil {
		return m.tasksFn(ctx)
	}
	return nil, nil
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*mockController)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "mockController") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"[::]:80":    "[::]:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleHealthz(t *testing.T) {
	server := newTestServer(t, &mockController{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestHandleRunsPost(t *testing.T) {
	var got api.RunRequest
	ctrl := &mockController{
		startFn: func(_ stdcontext.Context, req api.RunRequest) (*api.RunRecord, error) {
			got = req
			return &api.RunRecord{ID: "run-1", Command: req.Command, State: api.RunRunning}, nil
		},
	}
	server := newTestServer(t, ctrl)

	body := bytes.NewBufferString(`{"command":["echo","hi"],"timeout":"5s"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(got.Command) != 2 || got.Command[0] != "echo" {
		t.Fatalf("controller saw unexpected request: %+v", got)
	}
	if got.Timeout != "5s" {
		t.Fatalf("expected timeout to pass through, got %q", got.Timeout)
	}
	var payload map[string]api.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload["run"].ID != "run-1" {
		t.Fatalf("expected run-1 in response, got %+v", payload)
	}
}

func TestHandleRunsPostInvalidBody(t *testing.T) {
	server := newTestServer(t, &mockController{})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", body.Code)
	}
}

func TestHandleRunsList(t *testing.T) {
	ctrl := &mockController{
		listFn: func(stdcontext.Context) ([]*api.RunRecord, error) {
			return []*api.RunRecord{
				{ID: "run-1", State: api.RunSucceeded},
				{ID: "run-2", State: api.RunRunning},
			}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string][]api.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	runs := payload["runs"]
	if len(runs) != 2 || runs[0].ID != "run-1" || runs[1].ID != "run-2" {
		t.Fatalf("unexpected runs payload: %+v", runs)
	}
}

func TestHandleRunsMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, &mockController{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, POST" {
		t.Fatalf("expected Allow header GET, POST, got %q", allow)
	}
}

func TestHandleRunGet(t *testing.T) {
	ctrl := &mockController{
		getFn: func(_ stdcontext.Context, id string) (*api.RunRecord, error) {
			if id != "run-7" {
				t.Fatalf("unexpected id %q", id)
			}
			code := 0
			return &api.RunRecord{ID: id, State: api.RunSucceeded, ReturnCode: &code}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-7", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var record api.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if record.ID != "run-7" || record.State != api.RunSucceeded {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestHandleRunGetUnknown(t *testing.T) {
	ctrl := &mockController{
		getFn: func(_ stdcontext.Context, id string) (*api.RunRecord, error) {
			return nil, fmt.Errorf("%w: %q", api.ErrUnknownRun, id)
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-404", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "unknown_run" {
		t.Fatalf("expected unknown_run, got %q", body.Code)
	}
	details, ok := body.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected map details, got %T", body.Details)
	}
	if details["run"] != "run-404" {
		t.Fatalf("expected run id in details, got %v", details)
	}
	if _, ok := details["timestamp"]; !ok {
		t.Fatalf("expected timestamp in details")
	}
}

func TestHandleRunCancel(t *testing.T) {
	var gotForce bool
	ctrl := &mockController{
		cancelFn: func(_ stdcontext.Context, id string, force bool) (*api.RunRecord, error) {
			gotForce = force
			return &api.RunRecord{ID: id, State: api.RunRunning}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/cancel?force=true", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !gotForce {
		t.Fatalf("expected force flag to reach controller")
	}
}

func TestHandleRunCancelBadForce(t *testing.T) {
	server := newTestServer(t, &mockController{})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/cancel?force=maybe", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRunCancelFinished(t *testing.T) {
	ctrl := &mockController{
		cancelFn: func(_ stdcontext.Context, id string, _ bool) (*api.RunRecord, error) {
			return nil, fmt.Errorf("%w: %q", api.ErrRunFinished, id)
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "run_finished" {
		t.Fatalf("expected run_finished, got %q", body.Code)
	}
}

func TestHandleTasks(t *testing.T) {
	ctrl := &mockController{
		tasksFn: func(stdcontext.Context) ([]api.TaskSummary, error) {
			return []api.TaskSummary{{Name: "build", Command: []string{"make"}}}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string][]api.TaskSummary
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(payload["tasks"]) != 1 || payload["tasks"][0].Name != "build" {
		t.Fatalf("unexpected tasks payload: %+v", payload)
	}
}

func TestHandleTasksNoManifest(t *testing.T) {
	ctrl := &mockController{
		tasksFn: func(stdcontext.Context) ([]api.TaskSummary, error) {
			return nil, api.ErrNoManifest
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "no_manifest" {
		t.Fatalf("expected no_manifest, got %q", body.Code)
	}
}

func TestHandleRunProcesses(t *testing.T) {
	pid := os.Getpid()
	ctrl := &mockController{
		getFn: func(_ stdcontext.Context, id string) (*api.RunRecord, error) {
			return &api.RunRecord{ID: id, State: api.RunRunning, PID: pid}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/processes", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report processReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if report.Run != "run-1" || report.PID != pid {
		t.Fatalf("unexpected report header: %+v", report)
	}
	if len(report.Processes) == 0 || int(report.Processes[0].PID) != pid {
		t.Fatalf("expected the test process to lead the tree, got %+v", report.Processes)
	}
}

func TestHandleRunProcessesFinishedRunIsEmpty(t *testing.T) {
	ctrl := &mockController{
		getFn: func(_ stdcontext.Context, id string) (*api.RunRecord, error) {
			return &api.RunRecord{ID: id, State: api.RunSucceeded, PID: 12345}, nil
		},
	}
	server := newTestServer(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/processes", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report processReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(report.Processes) != 0 {
		t.Fatalf("expected empty tree for a finished run, got %+v", report.Processes)
	}
}

func TestHandleRunEventsStreams(t *testing.T) {
	code := 0
	records := []cliutil.Record{
		{Run: "run-1", Type: "stdout", Text: "building"},
		{Run: "run-1", Type: "exit", Code: &code},
	}
	released := make(chan struct{})
	ctrl := &mockController{
		subscribeFn: func(_ stdcontext.Context, id string) (<-chan cliutil.Record, func(), error) {
			ch := make(chan cliutil.Record, len(records))
			for _, rec := range records {
				ch <- rec
			}
			close(ch)
			return ch, func() { close(released) }, nil
		},
	}
	server := newTestServer(t, ctrl)

	ts := httptest.NewServer(server.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/run-1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	var first cliutil.Record
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first record: %v", err)
	}
	if first.Type != "stdout" || first.Text != "building" {
		t.Fatalf("unexpected first record: %+v", first)
	}

	var last cliutil.Record
	if err := conn.ReadJSON(&last); err != nil {
		t.Fatalf("read exit record: %v", err)
	}
	if last.Type != "exit" || last.Code == nil || *last.Code != 0 {
		t.Fatalf("unexpected exit record: %+v", last)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure after exit record, got %v", err)
	}

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription was never released")
	}
}

func TestHandleRunEventsUnknownRun(t *testing.T) {
	ctrl := &mockController{
		subscribeFn: func(_ stdcontext.Context, id string) (<-chan cliutil.Record, func(), error) {
			return nil, nil, fmt.Errorf("%w: %q", api.ErrUnknownRun, id)
		},
	}
	server := newTestServer(t, ctrl)

	ts := httptest.NewServer(server.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/run-404/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("expected handshake failure for unknown run")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &mockController{})

	metrics.EmitBuildInfo()
	metrics.IncrementSignal("SIGHUP")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `symrun_signals_sent_total{signal="SIGHUP"} 1`) {
		t.Fatalf("expected signal counter in metrics output, got:\n%s", body)
	}
	if !strings.Contains(body, "symrun_build_info{") {
		t.Fatalf("expected build info in metrics output, got:\n%s", body)
	}
}

func TestServerRunShutsDownOnContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := NewServer(Config{Controller: &mockController{}, Listener: listener})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server never shut down")
	}
}
