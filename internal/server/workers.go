package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handlers for out-of-process workers: remote embedders that drain the
// backlog over HTTP, and remote heartbeat runners.

func (s *Server) handlePendingEmbeddings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	chunks, err := s.engine.PendingEmbeddings(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, map[string]any{
			"chunk_id":    c.ID,
			"document_id": c.DocumentID,
			"content":     c.Content,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": items})
}

func chunkIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chunkID"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleClaimEmbedding(w http.ResponseWriter, r *http.Request) {
	chunkID, ok := chunkIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	var req struct {
		LeaseSeconds int `json:"lease_seconds"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	lease := time.Minute
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}

	token, until, ok, err := s.engine.ClaimEmbedding(chunkID, lease)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "chunk is claimed or already embedded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_id": chunkID,
		"token":    token,
		"until":    until,
	})
}

func (s *Server) handleCompleteEmbedding(w http.ResponseWriter, r *http.Request) {
	chunkID, ok := chunkIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	var req struct {
		Vector []float32 `json:"vector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Vector) == 0 {
		writeError(w, http.StatusBadRequest, "vector is required")
		return
	}

	landed, err := s.engine.CompleteEmbedding(chunkID, req.Vector)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"landed": landed})
}

func (s *Server) handleFailEmbedding(w http.ResponseWriter, r *http.Request) {
	chunkID, ok := chunkIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := s.engine.ReleaseEmbedding(chunkID, req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleDueHeartbeats(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeats are disabled")
		return
	}

	now := s.scheduler.Clock.Now().UnixMilli()
	due, err := s.engine.DB.DueHeartbeats(now, s.scheduler.Grace.Milliseconds())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]map[string]any, 0, len(due))
	for _, hb := range due {
		items = append(items, heartbeatPayload(&hb))
	}
	writeJSON(w, http.StatusOK, map[string]any{"due": items})
}

func (s *Server) handleClaimHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeats are disabled")
		return
	}

	var req struct {
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	id, token, run, err := s.scheduler.Claim(req.UserID, req.AgentID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"heartbeat_id": id,
		"token":        token,
		"request":      run,
	})
}

func (s *Server) handleCompleteHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeats are disabled")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "heartbeatID"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid heartbeat id")
		return
	}

	var req struct {
		Token   string           `json:"token"`
		Success bool             `json:"success"`
		Checks  map[string]int64 `json:"checks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := s.scheduler.Complete(id, req.Token, req.Success, req.Checks); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
