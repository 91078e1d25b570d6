package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"vampire-server/internal/protocol"
	"vampire-server/internal/session"
)

const maxBodyBytes = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

// writeResult writes a session result with the status its error maps to.
func writeResult(w http.ResponseWriter, sessionID string, res session.Result, err error) {
	status := http.StatusOK
	if err != nil {
		_, status, _ = protocol.ErrorFrom(err)
	}
	writeJSON(w, status, protocol.Respond(sessionID, res, err))
}

// run performs one prover operation on a session.
func (s *Server) run(ctx context.Context, id, mode string, start protocol.StartRequest, sel protocol.SelectRequest) (session.Result, error) {
	switch mode {
	case session.ModeStart:
		return s.sessionMgr.Start(ctx, id, start.File, start.VampireUserOptions)
	case session.ModeStartInteractive:
		return s.sessionMgr.StartInteractive(ctx, id, start.File, start.VampireUserOptions)
	case session.ModeSelect:
		return s.sessionMgr.Select(ctx, id, int(*sel.ID))
	}
	return session.Result{}, fmt.Errorf("unknown mode %q", mode)
}

// handleDefault serves the /vampire routes, which act on the default session.
func (s *Server) handleDefault(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveRun(w, r, session.DefaultID, mode)
	}
}

func (s *Server) handleSession(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveRun(w, r, r.PathValue("id"), mode)
	}
}

func (s *Server) serveRun(w http.ResponseWriter, r *http.Request, id, mode string) {
	sess, err := s.sessionMgr.Get(id)
	if err != nil {
		writeResult(w, id, session.Result{}, err)
		return
	}
	s.log.Debug("handling request", "route", r.URL.Path, "session_id", id, "mode", mode)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.InvalidRequest(id, sess.State(), err))
		return
	}

	var (
		start protocol.StartRequest
		sel   protocol.SelectRequest
	)
	if mode == session.ModeSelect {
		sel, err = protocol.Decode[protocol.SelectRequest](body)
	} else {
		start, err = protocol.Decode[protocol.StartRequest](body)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.InvalidRequest(id, sess.State(), err))
		return
	}

	res, err := s.run(r.Context(), id, mode, start, sel)
	if err != nil {
		s.log.Info("request failed", "session_id", id, "mode", mode, "error", err)
	} else {
		s.log.Debug("request finished", "session_id", id, "mode", mode, "state", res.State, "lines", len(res.Lines))
	}
	writeResult(w, id, res, err)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Create()
	if err != nil {
		code, status, message := protocol.ErrorFrom(err)
		writeError(w, status, code, message)
		return
	}

	// Broadcast to WebSocket clients.
	snap := sess.Snapshot()
	s.broadcastSessionUpdate(snap)
	s.subscribeAllClients(sess.ID())

	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		code, status, message := protocol.ErrorFrom(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessionMgr.Delete(id); err != nil {
		code, status, message := protocol.ErrorFrom(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.sessionMgr.Reset(id)
	writeResult(w, id, session.Result{State: snap.State}, err)
}

type healthResponse struct {
	Status   string                       `json:"status"`
	Prover   protocol.ProverStatusPayload `json:"prover"`
	Sessions int                          `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Prover:   s.proverStatus(),
		Sessions: len(s.sessionMgr.List()),
	}
	status := http.StatusOK
	if !resp.Prover.Available {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, protocol.ErrInvalidRequest, "run history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.history.List(r.Context(), r.URL.Query().Get("sessionId"), limit)
	if err != nil {
		s.log.Error("failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "could not read run history")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
