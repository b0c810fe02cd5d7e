package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/pipeline"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/store"
	"github.com/raaihank/pii-sentinel/internal/vault"
)

type detectRequest struct {
	Text string `json:"text"`
}

type summaryView struct {
	Total               int                     `json:"total"`
	ByCategory          map[privacy.PIIType]int `json:"by_category"`
	HighConfidenceCount int                     `json:"high_confidence_count"`
}

type detectResponse struct {
	Matches      []privacy.Match `json:"matches"`
	Summary      summaryView     `json:"summary"`
	ModelUsed    string          `json:"model_used,omitempty"`
	ProcessingMS int64           `json:"processing_ms"`
}

type tokenizeRequest struct {
	Text    string          `json:"text"`
	Matches []privacy.Match `json:"matches"`
}

type tokenizeResponse struct {
	DocumentID    string          `json:"document_id,omitempty"`
	TokenizedText string          `json:"tokenized_text"`
	Metadata      *vault.Metadata `json:"metadata"`
}

type detokenizeRequest struct {
	TokenizedText string          `json:"tokenized_text"`
	Metadata      *vault.Metadata `json:"metadata"`
	Key           []byte          `json:"key"`
}

type acceptedResponse struct {
	DocumentID string `json:"document_id"`
	Version    int    `json:"version"`
	Status     string `json:"status"`
}

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

type activityResponse struct {
	DocumentID string            `json:"document_id"`
	Activity   []*store.Activity `json:"activity"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func viewOf(summary privacy.Summary) summaryView {
	byCategory := summary.ByCategory
	if byCategory == nil {
		byCategory = map[privacy.PIIType]int{}
	}
	return summaryView{
		Total:               summary.Total,
		ByCategory:          byCategory,
		HighConfidenceCount: summary.HighConfidenceCount,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var rules []string
	if s.rules != nil {
		rules = s.rules.GetEnabledRules()
	}
	info := map[string]interface{}{
		"name":          "pii-sentinel",
		"version":       Version,
		"threshold":     s.pipeline.Threshold(),
		"enabled_rules": rules,
		"model_enabled": s.pipeline.ModelName() != "",
		"model":         s.pipeline.ModelName(),
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.wsHub != nil {
		info["websocket_clients"] = s.wsHub.ActiveConnections()
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.pipeline.Detect(r.Context(), req.Text)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, detectResponse{
		Matches:      result.Matches,
		Summary:      viewOf(result.Summary),
		ModelUsed:    result.ModelUsed,
		ProcessingMS: result.Duration.Milliseconds(),
	})
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req tokenizeRequest
	if !s.decode(w, r, &req) {
		return
	}

	tokenized, meta, err := s.pipeline.Tokenize(req.Text, req.Matches)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, tokenizeResponse{TokenizedText: tokenized, Metadata: meta})
}

func (s *Server) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req detokenizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Metadata == nil {
		s.writeError(w, r, http.StatusBadRequest, vault.ErrMissingMetadata.Error())
		return
	}

	// a key carried inside the metadata is never used
	if len(req.Key) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}

	restoration, err := s.pipeline.Detokenize(r.Context(), req.TokenizedText, req.Metadata.WithoutKey(), req.Key)
	if errors.Is(err, vault.ErrInvalidKey) {
		// the unchanged text and the failed ids still go back to the caller
		s.writeJSON(w, r, http.StatusUnprocessableEntity, struct {
			*vault.Restoration
			Error string `json:"error"`
		}{restoration, err.Error()})
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, restoration)
}

func (s *Server) handleDocumentDetect(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid version %q", v))
			return
		}
		version = parsed
	}

	if err := s.pipeline.Submit(documentID, version); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusAccepted, acceptedResponse{
		DocumentID: documentID,
		Version:    version,
		Status:     "processing",
	})
}

func (s *Server) handleDocumentPII(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	result, err := s.pipeline.LatestResult(r.Context(), documentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleDocumentTokenize(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	meta, err := s.pipeline.TokenizeDocument(r.Context(), documentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, tokenizeResponse{
		DocumentID:    documentID,
		TokenizedText: meta.TokenizedText,
		Metadata:      meta,
	})
}

func (s *Server) handleDocumentTokenized(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.pipeline.LatestTokenized(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, artifact)
}

func (s *Server) handleDocumentActivity(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxActivityLimit {
			s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid limit %q (1-%d)", v, maxActivityLimit))
			return
		}
		limit = parsed
	}

	rows, err := s.pipeline.Activity(r.Context(), documentID, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, activityResponse{DocumentID: documentID, Activity: rows})
}

// decode reads a JSON body into v and writes the error response itself
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
	return false
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrTextNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInvalidMatches),
		errors.Is(err, vault.ErrUnsupportedAlgorithm),
		errors.Is(err, vault.ErrMissingMetadata):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrInvalidKey):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	s.writeError(w, r, status, msg)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Failed to write response", zap.Error(err))
	}
}
