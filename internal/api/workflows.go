package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/control"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// IdempotencyHeader deduplicates run creation.
const IdempotencyHeader = "Idempotency-Key"

// maxListLimit caps GET /a2a/workflow.
const maxListLimit = 500

// CreateRunRequest is the body of POST /a2a/workflow.
type CreateRunRequest struct {
	InitialTopic string `json:"initial_topic"`
	TargetURL    string `json:"target_url,omitempty"`
	Variant      string `json:"variant,omitempty"`
}

// RunAccepted is returned when a run has been created.
type RunAccepted struct {
	RunID  core.RunID     `json:"run_id"`
	Status core.RunStatus `json:"status"`
}

// DecisionRequest is the body of POST /a2a/workflow/{id}/resume.
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// DecisionResponse reports the status written by a decision.
type DecisionResponse struct {
	RunID  core.RunID     `json:"run_id"`
	Status core.RunStatus `json:"status"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleCreateRun creates a run and starts it in the background.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	in := core.RunInput{
		InitialTopic: req.InitialTopic,
		TargetURL:    req.TargetURL,
		Variant:      core.Variant(req.Variant),
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		run, err := s.orch.Start(r.Context(), in)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, RunAccepted{RunID: run.ID, Status: run.Status})
		return
	}

	id, replayed, err := s.idempotency.do(key, func() (string, error) {
		run, err := s.orch.Start(r.Context(), in)
		if err != nil {
			return "", err
		}
		return string(run.ID), nil
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	run, err := s.orch.Store().Load(r.Context(), core.RunID(id))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if replayed {
		s.logger.WithRun(id).Debug("idempotent create replayed", "key", key)
	}
	respondJSON(w, http.StatusAccepted, RunAccepted{RunID: run.ID, Status: run.Status})
}

// handleGetRun returns the full run: status, current stage, stage results
// and the final result or error message.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	run, err := s.orch.Store().Load(r.Context(), runID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleListSteps returns the run's stage attempts in order.
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	if _, err := s.orch.Store().Load(r.Context(), runID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	steps, err := s.orch.Store().ListSteps(r.Context(), runID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if steps == nil {
		steps = []core.StepRecord{}
	}
	respondJSON(w, http.StatusOK, steps)
}

// handleListRuns lists run summaries, newest first. ?status= accepts a comma
// separated list or repeated values; ?limit= caps the result.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.orch.Store().ListRuns(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []core.RunSummary{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func parseRunFilter(r *http.Request) (core.RunFilter, error) {
	var filter core.RunFilter
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, err := core.ParseRunStatus(part)
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	return filter, nil
}

// handleResume records an approval decision.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))

	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := control.ParseDecision(req.Decision)
	if err != nil {
		var domErr *core.DomainError
		if errors.As(err, &domErr) {
			respondError(w, http.StatusBadRequest, domErr.Message)
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.orch.Decide(r.Context(), runID, decision)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, DecisionResponse{RunID: run.ID, Status: run.Status})
}
