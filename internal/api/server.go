// Package api exposes the conversational and administrative surfaces over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mskwealth/sage/internal/kbsync"
	"github.com/mskwealth/sage/internal/pipeline"
	"github.com/mskwealth/sage/internal/rag"
)

// userSafeFailure is the only message shown when a pipeline fails. Partial
// answers are never returned.
const userSafeFailure = "Unable to answer right now. Please try again shortly."

// Answerer runs one query through the pipeline.
type Answerer interface {
	Answer(ctx context.Context, userID string, conversationID uuid.UUID, text string) (rag.ConversationTurn, error)
}

// SyncManager is the administrative surface onto ingestion jobs.
type SyncManager interface {
	StartSync(ctx context.Context, dataSourceID string) (rag.SyncJob, error)
	Poll(ctx context.Context, jobID string) (rag.SyncJob, error)
	Running(dataSourceID string) bool
}

// TurnReader reads archived conversation turns.
type TurnReader interface {
	ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]rag.ConversationTurn, error)
}

type Server struct {
	router       *chi.Mux
	port         int
	answerer     Answerer
	syncs        SyncManager
	turns        TurnReader
	dataSourceID string
	logger       *slog.Logger
}

func NewServer(port int, answerer Answerer, syncs SyncManager, dataSourceID string, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:       router,
		port:         port,
		answerer:     answerer,
		syncs:        syncs,
		dataSourceID: dataSourceID,
		logger:       logger,
	}

	router.Get("/health", s.health)
	router.Post("/api/v1/query", s.query)
	router.Post("/api/v1/sync", s.startSync)
	router.Get("/api/v1/sync/status", s.syncStatus)
	router.Get("/api/v1/sync/{jobID}", s.pollSync)
	router.Get("/api/v1/conversations/{conversationID}/turns", s.listTurns)

	return s
}

// SetTurnReader attaches the optional turn archive behind the conversations
// endpoint.
func (s *Server) SetTurnReader(tr TurnReader) { s.turns = tr }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
}

type queryResponse struct {
	ConversationID string               `json:"conversation_id"`
	TurnIndex      int                  `json:"turn_index"`
	Answer         string               `json:"answer"`
	Citations      []rag.SourceCitation `json:"citations"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	// Every audit record names the user who asked, so anonymous queries
	// are rejected up front.
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	conversationID := uuid.New()
	if req.ConversationID != "" {
		parsed, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid conversation_id")
			return
		}
		conversationID = parsed
	}

	turn, err := s.answerer.Answer(r.Context(), req.UserID, conversationID, req.Message)
	if err != nil {
		s.logger.Error("query failed", "conversation_id", conversationID, "error", err)
		if errors.Is(err, pipeline.ErrPipelineFailed) {
			writeError(w, http.StatusBadGateway, userSafeFailure)
			return
		}
		writeError(w, http.StatusInternalServerError, userSafeFailure)
		return
	}

	citations := turn.Answer.Citations
	if citations == nil {
		citations = []rag.SourceCitation{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		ConversationID: conversationID.String(),
		TurnIndex:      turn.Query.TurnIndex,
		Answer:         turn.Answer.Text,
		Citations:      citations,
	})
}

type startSyncRequest struct {
	DataSourceID string `json:"data_source_id,omitempty"`
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	dataSourceID := req.DataSourceID
	if dataSourceID == "" {
		dataSourceID = s.dataSourceID
	}
	if dataSourceID == "" {
		writeError(w, http.StatusBadRequest, "data_source_id is required")
		return
	}

	job, err := s.syncs.StartSync(r.Context(), dataSourceID)
	if err != nil {
		if errors.Is(err, kbsync.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "a sync is already running for this data source")
			return
		}
		s.logger.Error("sync start failed", "data_source_id", dataSourceID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to start sync")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) pollSync(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.syncs.Poll(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, kbsync.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "unknown sync job")
			return
		}
		// Stale status is acceptable; surface the last known view.
		s.logger.Warn("sync poll failed", "job_id", jobID, "error", err)
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listTurns(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeError(w, http.StatusNotImplemented, "turn archive not configured")
		return
	}
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	turns, err := s.turns.ListTurns(r.Context(), conversationID, limit)
	if err != nil {
		s.logger.Error("failed to list turns", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read turn archive")
		return
	}
	if turns == nil {
		turns = []rag.ConversationTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID.String(),
		"turns":           turns,
	})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	dataSourceID := r.URL.Query().Get("data_source_id")
	if dataSourceID == "" {
		dataSourceID = s.dataSourceID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_source_id": dataSourceID,
		"running":        s.syncs.Running(dataSourceID),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
