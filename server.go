package redfault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"
)

// FaultServer is the HTTP control plane over the fault store. It is the
// sole writer of the store; the proxy data plane only reads.
//
// Routes:
//
//	POST   /fault          create a fault (409 on command conflict)
//	GET    /fault/{name}   fetch a fault by name
//	GET    /faults         list faults, last_modified descending
//	DELETE /fault/{name}   delete a fault by name (idempotent)
//	DELETE /faults         delete all faults (idempotent)
//	GET    /health         liveness probe
type FaultServer struct {
	cfg    ServerConfig
	store  FaultStore
	logger Logger

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// errorResponse is the JSON error body of the control plane
type errorResponse struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// NewFaultServer creates the control-plane server over the given store
func NewFaultServer(cfg ServerConfig, store FaultStore, logger Logger) *FaultServer {
	if logger == nil {
		logger = &NoOpLogger{}
	}

	s := &FaultServer{
		cfg:    cfg,
		store:  store,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /fault", s.handleCreateFault)
	s.mux.HandleFunc("GET /fault/{name}", s.handleGetFault)
	s.mux.HandleFunc("GET /faults", s.handleListFaults)
	s.mux.HandleFunc("DELETE /fault/{name}", s.handleDeleteFault)
	s.mux.HandleFunc("DELETE /faults", s.handleDeleteAllFaults)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *FaultServer) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = LoggingMiddleware(s.logger, false)(handler)
	return handler
}

// Listen binds the control-plane listener. Bind failures are fatal at
// startup and surface here, before Serve is started.
func (s *FaultServer) Listen() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind fault config server on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("Fault config server listening", map[string]interface{}{
		"address": addr,
	})
	return nil
}

// Serve runs the HTTP server until Shutdown. Returns nil on orderly shutdown.
func (s *FaultServer) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Fault config server failed", map[string]interface{}{
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		})
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the control-plane server
func (s *FaultServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleCreateFault is the handler of POST /fault.
//
//  1. When the fault is successfully stored, HTTP 201 Created is returned.
//  2. For an invalid POST body or an unknown fault type, HTTP 400.
//  3. When the fault conflicts with the current state of the store (a fault
//     already exists for the same command), HTTP 409 Conflict.
//  4. When the store rejects the write, HTTP 500.
func (s *FaultServer) handleCreateFault(w http.ResponseWriter, r *http.Request) {
	var fault Fault
	if err := json.NewDecoder(r.Body).Decode(&fault); err != nil {
		writeError(w, http.StatusBadRequest, "invalid fault payload: "+err.Error())
		return
	}

	s.logger.Info("Create fault", map[string]interface{}{
		"fault_name": fault.Name,
		"command":    fault.Command,
		"fault_type": fault.FaultType,
	})

	now := time.Now().UTC()
	fault.LastModified = &now

	if err := fault.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if existing, ok := s.store.GetByCommand(fault.Command); ok {
		writeError(w, http.StatusConflict, fmt.Sprintf(
			"there already exists a fault (%s) for the same %s command", existing.Name, fault.Command))
		return
	}

	if _, err := s.store.Put(fault.Name, fault); err != nil {
		s.logger.Error("Error storing fault", map[string]interface{}{
			"fault_name": fault.Name,
			"error":      err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// handleGetFault is the handler of GET /fault/{name}. An unknown fault name
// yields HTTP 400 Bad Request.
func (s *FaultServer) handleGetFault(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	fault, err := s.store.GetByName(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, fault)
}

// handleListFaults is the handler of GET /faults. Faults are returned
// sorted by last_modified, most recently modified first.
func (s *FaultServer) handleListFaults(w http.ResponseWriter, r *http.Request) {
	faults, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sort.Slice(faults, func(i, j int) bool {
		return lastModified(faults[i]).After(lastModified(faults[j]))
	})

	writeJSON(w, http.StatusOK, faults)
}

// handleDeleteFault is the handler of DELETE /fault/{name}. Idempotent;
// always 204 No Content on non-error.
func (s *FaultServer) handleDeleteFault(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if _, err := s.store.Delete(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAllFaults is the handler of DELETE /faults. Idempotent;
// always 204 No Content on non-error.
func (s *FaultServer) handleDeleteAllFaults(w http.ResponseWriter, r *http.Request) {
	faults, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, fault := range faults {
		if _, err := s.store.Delete(fault.Name); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *FaultServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func lastModified(f Fault) time.Time {
	if f.LastModified == nil {
		return time.Time{}
	}
	return *f.LastModified
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{StatusCode: code, Message: msg})
}
