// Package httpapi serves the local status and control endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/user/rollcall/internal/connectivity"
	"github.com/user/rollcall/internal/lifecycle"
	"github.com/user/rollcall/internal/metrics"
	"github.com/user/rollcall/internal/reconcile"
	"github.com/user/rollcall/internal/types"
)

// Server is a lightweight HTTP handler over the running app.
type Server struct {
	manager *lifecycle.Manager
	driver  *reconcile.Driver
	monitor *connectivity.Monitor
	mux     *http.ServeMux

	mu      sync.Mutex
	offered map[types.SessionType]*types.Session
}

// NewServer creates a Server. monitor may be nil, in which case connectivity
// reports go straight to the driver.
func NewServer(manager *lifecycle.Manager, driver *reconcile.Driver, monitor *connectivity.Monitor) *Server {
	s := &Server{
		manager: manager,
		driver:  driver,
		monitor: monitor,
		mux:     http.NewServeMux(),
		offered: make(map[types.SessionType]*types.Session),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	s.mux.HandleFunc("GET /api/live/{type}", s.handleLive)
	s.mux.HandleFunc("POST /api/live/{type}", s.handleStart)
	s.mux.HandleFunc("POST /api/live/{type}/entries", s.handleAddEntry)
	s.mux.HandleFunc("DELETE /api/live/{type}/entries/{entry}", s.handleRemoveEntry)
	s.mux.HandleFunc("POST /api/live/{type}/end", s.handleEnd)
	s.mux.HandleFunc("GET /api/recovery/{type}", s.handleOffered)
	s.mux.HandleFunc("POST /api/recovery/{type}/confirm", s.handleConfirm)
	s.mux.HandleFunc("POST /api/recovery/{type}/decline", s.handleDecline)
	s.mux.HandleFunc("GET /api/remote/{type}", s.handleRemote)
	s.mux.HandleFunc("POST /api/remote/{type}/clear", s.handleClearRemote)
	s.mux.HandleFunc("POST /api/backup/drain", s.handleDrain)
	s.mux.HandleFunc("POST /api/backup/auto", s.handleAutoBackup)
	s.mux.HandleFunc("POST /api/connectivity", s.handleConnectivity)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Offer publishes a detected session so a client can answer the recovery
// prompt.
func (s *Server) Offer(sess *types.Session) {
	s.mu.Lock()
	s.offered[sess.SessionType] = sess
	s.mu.Unlock()
}

// take returns the offered session for a type if it is still awaiting an
// answer, removing it when remove is set.
func (s *Server) take(typ types.SessionType, remove bool) (*types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.offered[typ]
	if !ok {
		return nil, false
	}
	if !s.manager.Awaiting(sess.ID) {
		delete(s.offered, typ)
		return nil, false
	}
	if remove {
		delete(s.offered, typ)
	}
	return sess, true
}

func sessionType(w http.ResponseWriter, r *http.Request) (types.SessionType, bool) {
	typ, err := types.ParseSessionType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return typ, true
}

// writeFailure maps domain errors onto status codes.
func writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrRecoveryExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		slog.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.driver.Status(r.Context())
	if err != nil {
		slog.Error("read backup status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.History(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if q := r.URL.Query().Get("type"); q != "" {
		typ, err := types.ParseSessionType(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := list[:0]
		for _, sess := range list {
			if sess.SessionType == typ {
				filtered = append(filtered, sess)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.Context(), types.SessionID(r.PathValue("id")))
	if errors.Is(err, types.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("get session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	sess, err := s.manager.Current(r.Context(), typ)
	if err != nil {
		writeFailure(w, "get live session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type startRequest struct {
	Location string `json:"location"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess, err := s.manager.Start(r.Context(), typ, req.Location)
	if err != nil {
		writeFailure(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type entryRequest struct {
	Content string `json:"content"`
	Manual  bool   `json:"manual"`
}

type entryResponse struct {
	Entry types.Entry `json:"entry"`
	Added bool        `json:"added"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	entry, added, err := s.manager.AddEntry(r.Context(), typ, req.Content, req.Manual)
	if err != nil {
		writeFailure(w, "add entry", err)
		return
	}
	code := http.StatusCreated
	if !added {
		code = http.StatusOK
	}
	writeJSON(w, code, entryResponse{Entry: entry, Added: added})
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	removed, err := s.manager.RemoveEntry(r.Context(), typ, r.PathValue("entry"))
	if err != nil {
		writeFailure(w, "remove entry", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	out, err := s.manager.End(r.Context(), typ)
	if err != nil && out == nil {
		writeFailure(w, "end session", err)
		return
	}
	if err != nil {
		slog.Warn("session ended but export failed", "session_id", string(out.Session.ID), "error", err)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOffered(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	sess, ok := s.take(typ, false)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	sess, ok := s.take(typ, true)
	if !ok {
		writeError(w, http.StatusGone, "no recovery awaiting an answer")
		return
	}
	if err := s.manager.Resume(r.Context(), sess); err != nil {
		writeFailure(w, "resume session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	sess, ok := s.take(typ, true)
	if !ok {
		writeError(w, http.StatusGone, "no recovery awaiting an answer")
		return
	}
	out, err := s.manager.Discard(r.Context(), sess)
	if err != nil && out == nil {
		writeFailure(w, "decline recovery", err)
		return
	}
	if err != nil {
		slog.Warn("recovery declined with errors", "session_id", string(sess.ID), "error", err)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRemote(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	objects, err := s.driver.ListRemote(r.Context(), typ)
	if errors.Is(err, types.ErrRemoteUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		slog.Error("list remote failed", "type", string(typ), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if objects == nil {
		objects = []types.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, objects)
}

// handleClearRemote moves a type's delivered exports to the archive
// directory. A partial clear still answers 200 with the counts.
func (s *Server) handleClearRemote(w http.ResponseWriter, r *http.Request) {
	typ, ok := sessionType(w, r)
	if !ok {
		return
	}
	res, err := s.driver.ClearRemote(r.Context(), typ)
	switch {
	case errors.Is(err, types.ErrRemoteUnavailable) && res.Moved == 0:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil && res.Moved+res.Failed == 0:
		slog.Error("clear remote failed", "type", string(typ), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		if err != nil {
			slog.Warn("remote cleared with errors", "type", string(typ), "moved", res.Moved, "failed", res.Failed, "error", err)
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.driver.Reconcile(r.Context())
	switch {
	case errors.Is(err, types.ErrRemoteUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, types.ErrDrainInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Error("drain failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAutoBackup(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.driver.SetAutoBackup(r.Context(), *req.Enabled); err != nil {
		slog.Error("set auto backup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_backup": *req.Enabled})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// handleConnectivity accepts network state reports from the host, e.g. an
// OS network-change hook.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}

	if s.monitor != nil {
		s.monitor.Set(r.Context(), *req.Online)
	} else if s.driver.Online() != *req.Online {
		s.driver.HandleConnectivity(r.Context(), *req.Online)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online})
}
