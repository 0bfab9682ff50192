// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the management HTTP/JSON interface: session and
// task inspection, task dispatch, listener control, and metrics.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/server"
	"grimm.is/muster/internal/task"
	"grimm.is/muster/internal/wire"
)

// maxBodyBytes bounds management request bodies.
const maxBodyBytes = 1 << 20

// Server handles management API requests.
type Server struct {
	addr   string
	coord  *server.Coordinator
	logger *logging.Logger
	router *mux.Router

	mu         sync.Mutex
	httpServer *http.Server
	lis        net.Listener
}

// NewServer creates the management API server. Start binds it.
func NewServer(addr string, coord *server.Coordinator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		addr:   addr,
		coord:  coord,
		logger: logger.WithComponent("api"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/disconnect", s.handleDisconnect).Methods("POST")
	api.HandleFunc("/sessions/{id}/switch", s.handleSwitch).Methods("POST")
	api.HandleFunc("/sessions/{id}/tasks", s.handleSessionTasks).Methods("GET")

	api.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", s.handleTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/result", s.handleTaskResult).Methods("POST")

	api.HandleFunc("/listeners", s.handleListeners).Methods("GET")
	api.HandleFunc("/listeners", s.handleCreateListener).Methods("POST")
	api.HandleFunc("/listeners/{name}/start", s.handleStartListener).Methods("POST")
	api.HandleFunc("/listeners/{name}/stop", s.handleStopListener).Methods("POST")
	api.HandleFunc("/listeners/{name}", s.handleDestroyListener).Methods("DELETE")

	s.router.Handle("/metrics", s.coord.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Start binds the address and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.Errorf(errors.KindAlreadyRunning, "api server is already running")
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindBind, "binding %s", s.addr)
	}
	s.lis = lis
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.logger.Info("Management API listening", "addr", lis.Addr().String())
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("API serve failed")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.lis = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	s.logger.Info("Management API stopped")
}

// Addr returns the bound address, empty when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindConflict, errors.KindAlreadyRunning, errors.KindNotRunning:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathUUID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errors.Wrap(err, errors.KindValidation, "invalid identifier")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.coord.Sessions()),
	})
}

// --- sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Sessions())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.coord.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.Disconnect(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type switchRequest struct {
	Transport string `json:"transport"`
	Port      uint16 `json:"port"`
	Domain    string `json:"domain,omitempty"`
	TimeoutMS uint32 `json:"timeout_ms,omitempty"`
	Immediate bool   `json:"immediate,omitempty"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body switchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	transport, err := wire.ParseTransport(body.Transport)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.coord.RequestSwitch(id, wire.SwitchRequest{
		Transport: transport,
		Port:      body.Port,
		Domain:    body.Domain,
		Timeout:   time.Duration(body.TimeoutMS) * time.Millisecond,
		Immediate: body.Immediate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleSessionTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.TasksFor(id))
}

// --- tasks ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Tasks())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.coord.Task(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type createTaskRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Type      string    `json:"type"`

	// Module call fields, used when a module name is given.
	Module  string `json:"module,omitempty"`
	Command string `json:"command,omitempty"`
	Args    string `json:"args,omitempty"`

	// Raw payload for other task types, base64 in transit.
	Payload []byte `json:"payload,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	typ, ok := task.ParseType(body.Type)
	if !ok {
		writeError(w, errors.Errorf(errors.KindValidation, "unknown task type %q", body.Type))
		return
	}
	timeout := time.Duration(body.TimeoutSeconds) * time.Second

	var (
		taskID uuid.UUID
		err    error
	)
	if body.Module != "" {
		taskID, err = s.coord.DispatchModule(body.SessionID, wire.ModuleCall{
			Module:  body.Module,
			Command: body.Command,
			Args:    body.Args,
		}, timeout)
	} else {
		taskID, err = s.coord.DispatchTask(body.SessionID, typ, body.Payload, timeout)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.coord.Task(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type taskResultRequest struct {
	Failed bool   `json:"failed,omitempty"`
	Data   []byte `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleTaskResult resolves a task out of band, for operator-driven
// workflows. A result posted to an already-terminal task answers 409.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body taskResultRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	tasks := s.coord.TaskRegistry()
	if body.Failed {
		err = tasks.SetError(id, body.Error)
	} else {
		err = tasks.SetResult(id, body.Data)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.coord.Task(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- listeners ---

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Listeners())
}

type createListenerRequest struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Bind      string `json:"bind,omitempty"`
	Port      uint16 `json:"port,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
	Path      string `json:"path,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Device    string `json:"device,omitempty"`
	Cipher    uint8  `json:"cipher,omitempty"`
}

func (s *Server) handleCreateListener(w http.ResponseWriter, r *http.Request) {
	var body createListenerRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.coord.CreateListener(config.ListenerConfig{
		Type:      body.Type,
		Name:      body.Name,
		Bind:      body.Bind,
		Port:      body.Port,
		TimeoutMS: body.TimeoutMS,
		Path:      body.Path,
		Domain:    body.Domain,
		Device:    body.Device,
		Cipher:    body.Cipher,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleStartListener(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.StartListener(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopListener(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.StopListener(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleDestroyListener(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DestroyListener(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}
