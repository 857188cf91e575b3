package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"symrun/internal/api"
	"symrun/internal/metrics"
	"symrun/internal/pstree"
)

const (
	defaultAddr            = "127.0.0.1:7642"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server exposing run controls.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if isNilController(cfg.Controller) {
		return nil, fmt.Errorf("controller is required (got %T)", cfg.Controller)
	}
	addr := normalizeAddr(cfg.Addr)
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	server := &Server{
		ctrl:            cfg.Controller,
		srv:             srv,
		listener:        cfg.Listener,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	server.registerRoutes(mux)
	return server, nil
}

// isNilController catches both untyped and typed nil controllers; a typed nil
// passes an interface nil check but panics on first use.
func isNilController(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		var err error
		if s.listener != nil {
			err = s.srv.Serve(s.listener)
		} else {
			err = s.srv.ListenAndServe()
		}
		errCh <- err
	}()

	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRun)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	tasks, err := s.ctrl.Tasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.ctrl.List(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case http.MethodPost:
		var req api.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, fmt.Errorf("%w: decode body: %v", api.ErrInvalidRequest, err))
			return
		}
		record, err := s.ctrl.Start(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{"run": record})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleRun dispatches /v1/runs/{id} and its sub-resources.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	id := strings.TrimSpace(parts[0])
	if id == "" {
		s.writeErrorWithDetails(w, fmt.Errorf("%w: missing run id", api.ErrUnknownRun), map[string]any{"path": r.URL.Path})
		return
	}
	switch {
	case len(parts) == 1:
		s.handleRunGet(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleRunCancel(w, r, id)
	case len(parts) == 2 && parts[1] == "events":
		s.handleRunEvents(w, r, id)
	case len(parts) == 2 && parts[1] == "processes":
		s.handleRunProcesses(w, r, id)
	default:
		s.writeErrorWithDetails(w, fmt.Errorf("%w: invalid run path", api.ErrUnknownRun), map[string]any{"path": r.URL.Path})
	}
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	record, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"run": id})
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: force %q", api.ErrInvalidRequest, raw))
			return
		}
		force = parsed
	}
	record, err := s.ctrl.Cancel(r.Context(), id, force)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"run": id})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"run": record})
}

// processReport is the /processes payload: the run's primary process followed
// by its live descendants.
type processReport struct {
	Run       string               `json:"run"`
	PID       int                  `json:"pid,omitempty"`
	Processes []pstree.ProcessInfo `json:"processes"`
}

func (s *Server) handleRunProcesses(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	record, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"run": id})
		return
	}

	report := processReport{Run: record.ID, PID: record.PID, Processes: []pstree.ProcessInfo{}}
	if record.State == api.RunRunning && record.PID > 0 {
		root := int32(record.PID)
		if info, lookupErr := pstree.Lookup(root); lookupErr == nil {
			report.Processes = append(report.Processes, info)
		}
		descendants, err := pstree.Descendants(root)
		if err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"run": id})
			return
		}
		report.Processes = append(report.Processes, descendants...)
	}
	s.writeJSON(w, http.StatusOK, report)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header.
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// handleRunEvents streams a run's records over a websocket, finishing with
// the exit record and a normal-closure frame.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	events, release, err := s.ctrl.Subscribe(r.Context(), id)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"run": id})
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-events:
			if !ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), deadline)
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, methods ...string) {
	allow := strings.Join(methods, ", ")
	w.Header().Set("Allow", allow)
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: fmt.Sprintf("method not allowed; use %s", allow),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		details[k] = v
	}
	body := errorBody{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}
	s.writeJSON(w, status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, api.ErrUnknownRun):
		return http.StatusNotFound, "unknown_run"
	case errors.Is(err, api.ErrUnknownTask):
		return http.StatusNotFound, "unknown_task"
	case errors.Is(err, api.ErrRunFinished):
		return http.StatusConflict, "run_finished"
	case errors.Is(err, api.ErrNoManifest):
		return http.StatusConflict, "no_manifest"
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, api.ErrStartFailed):
		return http.StatusUnprocessableEntity, "start_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// If parsing failed, trust caller.
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
