package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

func identityFromQuery(r *http.Request) (store.Identity, error) {
	q := r.URL.Query()
	docType, err := store.ParseDocType(q.Get("doc_type"))
	if err != nil {
		return store.Identity{}, err
	}
	return store.Identity{
		UserID:  q.Get("user_id"),
		AgentID: q.Get("agent_id"),
		DocType: docType,
		Title:   q.Get("title"),
	}, nil
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string            `json:"user_id"`
		AgentID  string            `json:"agent_id"`
		DocType  string            `json:"doc_type"`
		Title    string            `json:"title"`
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	docType, err := store.ParseDocType(req.DocType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := store.Identity{UserID: req.UserID, AgentID: req.AgentID, DocType: docType, Title: req.Title}
	if err := id.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := s.engine.PutDocument(id, req.Content, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, documentPayload(doc))
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := s.engine.GetDocument(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, documentPayload(doc))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.DeleteDocument(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	docs, err := s.engine.ListDocuments(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(docs))
	for i := range docs {
		out[i] = documentPayload(&docs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id"`
		DocType string `json:"doc_type"` // "memory" or "daily_log"
		Title   string `json:"title"`    // date for daily_log
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var doc *store.Document
	var err error
	switch store.DocType(req.DocType) {
	case store.DocTypeMemory, "":
		doc, err = s.engine.AppendMemory(req.UserID, req.AgentID, req.Text)
	case store.DocTypeDailyLog:
		title := req.Title
		if title == "" {
			title = time.Now().Format("2006-01-02")
		}
		doc, err = s.engine.AppendDailyLog(req.UserID, req.AgentID, title, req.Text)
	default:
		writeError(w, http.StatusBadRequest, "append supports memory and daily_log")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, documentPayload(doc))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	query := q.Get("q")
	if userID == "" || query == "" {
		writeError(w, http.StatusBadRequest, "user_id and q required")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	scope := index.Scope{UserID: userID, AgentID: q.Get("agent_id")}
	results, err := s.engine.Search(r.Context(), scope, query, engine.SearchOpts{Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []engine.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	prompt, err := s.engine.IdentityPrompt(userID, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func (s *Server) handleConfigureHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string `json:"user_id"`
		AgentID         string `json:"agent_id"`
		IntervalSeconds int    `json:"interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.IntervalSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "interval_seconds must be positive")
		return
	}

	hb, err := s.engine.DB.ConfigureHeartbeat(req.UserID, req.AgentID, req.IntervalSeconds, time.Now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, heartbeatPayload(hb))
}

func (s *Server) handleGetHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	hb, err := s.engine.DB.GetHeartbeat(userID, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hb == nil {
		writeError(w, http.StatusNotFound, "heartbeat not found")
		return
	}
	writeJSON(w, http.StatusOK, heartbeatPayload(hb))
}

func (s *Server) handleListHeartbeats(w http.ResponseWriter, r *http.Request) {
	hbs, err := s.engine.DB.ListHeartbeats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(hbs))
	for i := range hbs {
		out[i] = heartbeatPayload(&hbs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"heartbeats": out})
}

func (s *Server) handleEnableHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		AgentID string `json:"agent_id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	hb, err := s.engine.DB.SetHeartbeatEnabled(req.UserID, req.AgentID, req.Enabled, time.Now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, heartbeatPayload(hb))
}

func (s *Server) handleTriggerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeats not running")
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
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	if err := s.scheduler.Trigger(r.Context(), req.UserID, req.AgentID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func documentPayload(doc *store.Document) map[string]any {
	return map[string]any{
		"id":         doc.ID,
		"user_id":    doc.UserID,
		"agent_id":   doc.AgentID,
		"doc_type":   doc.DocType,
		"title":      doc.Title,
		"content":    doc.Content,
		"metadata":   doc.Metadata,
		"created_at": doc.CreatedAt,
		"updated_at": doc.UpdatedAt,
	}
}

func heartbeatPayload(hb *store.Heartbeat) map[string]any {
	return map[string]any{
		"id":                   hb.ID,
		"user_id":              hb.UserID,
		"agent_id":             hb.AgentID,
		"enabled":              hb.Enabled,
		"interval_seconds":     hb.IntervalSeconds,
		"state":                hb.State,
		"last_run":             hb.LastRun,
		"next_run":             hb.NextRun,
		"consecutive_failures": hb.ConsecutiveFailures,
		"last_checks":          hb.LastChecks,
	}
}
