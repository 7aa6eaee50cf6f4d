package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cache"
	"github.com/hyperjump/kioku/internal/cacheerr"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

// maxWarmQuestions bounds a single POST /api/v1/warm body.
const maxWarmQuestions = 10000

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("ask request", zap.String("question", utils.Truncate(req.Question, 80)))

	res, err := s.cache.Ask(r.Context(), req.Question)
	if err != nil && res == nil {
		status := statusFor(err)
		s.logger.Error("ask failed", zap.Int("status", status), zap.Error(err))
		s.respondError(w, r, status, err.Error())
		return
	}
	resp := models.AskResponse{
		RequestID:    RequestIDFrom(r.Context()),
		ResponseText: res.ResponseText,
		Hit:          res.Hit,
		Coalesced:    res.Coalesced,
		Position:     res.Position,
		Distance:     res.Distance,
		Persisted:    res.Persisted,
	}
	if err != nil {
		resp.Warning = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// statusFor maps a cache error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, cacheerr.ErrGenerationFailure):
		if cacheerr.IsTransient(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, cacheerr.ErrEmbeddingFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	models.CacheStats
	Status string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	if len(s.storeFiles) > 0 {
		if n, err := storage.DiskUsageBytes(s.storeFiles...); err == nil {
			stats.StoreBytes = n
		} else {
			s.logger.Debug("status: disk usage failed", zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, statusResponse{CacheStats: stats, Status: "ok"})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := models.EntryListQuery{Query: params.Get("q")}
	var err error
	if q.Limit, err = intParam(params.Get("limit")); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	if q.Offset, err = intParam(params.Get("offset")); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}
	q.Fuzzy = params.Get("fuzzy") == "true"
	q.Normalize()

	if q.Query == "" {
		entries, total := s.cache.Entries(q.Offset, q.Limit)
		s.respondJSON(w, http.StatusOK, models.EntryList{Total: total, Entries: entries})
		return
	}
	list, err := s.cache.SearchQuestions(r.Context(), q)
	if err != nil {
		if errors.Is(err, cache.ErrNoQuestionIndex) {
			s.respondError(w, r, http.StatusNotImplemented, err.Error())
			return
		}
		s.logger.Error("entry search failed", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	pos, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || pos < 0 {
		s.respondError(w, r, http.StatusBadRequest, "position must be a non-negative integer")
		return
	}
	entry, ok := s.cache.Entry(pos)
	if !ok {
		s.respondError(w, r, http.StatusNotFound, "entry not found")
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("clear cache request", zap.String("request_id", RequestIDFrom(r.Context())))
	if err := s.cache.Clear(r.Context()); err != nil {
		if errors.Is(err, cacheerr.ErrPersistenceFailure) {
			s.respondJSON(w, http.StatusOK, map[string]interface{}{
				"status":    "cleared",
				"persisted": false,
				"warning":   err.Error(),
			})
			return
		}
		s.logger.Error("clear failed", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared", "persisted": true})
}

type warmRequest struct {
	Questions []string `json:"questions"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	if s.warmer == nil {
		s.respondError(w, r, http.StatusNotImplemented, "warm-up not enabled")
		return
	}
	var req warmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Questions) == 0 {
		s.respondError(w, r, http.StatusBadRequest, "questions is required")
		return
	}
	if len(req.Questions) > maxWarmQuestions {
		s.respondError(w, r, http.StatusRequestEntityTooLarge, "too many questions")
		return
	}
	report, err := s.warmer.Warm(r.Context(), req.Questions)
	if err != nil {
		s.respondError(w, r, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": RequestIDFrom(r.Context()),
	})
}
