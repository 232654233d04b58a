package api

import (
	"net/http"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/service/workflow"
)

// handleListTasks lists background task records. ?run_id= narrows to one run.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.orch.Supervisor().Tasks()
	if runID := core.RunID(r.URL.Query().Get("run_id")); runID != "" {
		filtered := make([]workflow.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.RunID == runID {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	respondJSON(w, http.StatusOK, tasks)
}
