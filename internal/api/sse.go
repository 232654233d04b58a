package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
)

// heartbeatInterval keeps idle streams open through proxies.
const heartbeatInterval = 15 * time.Second

// runStream subscribes to a run's events and loads its current state. The
// subscription is taken first so no transition between the two is missed.
// The returned cancel must be called when the stream ends.
func (s *Server) runStream(ctx context.Context, runID core.RunID) (<-chan events.Event, events.RunEvent, func(), error) {
	if s.eventBus == nil {
		return nil, events.RunEvent{}, nil, core.ErrState("EVENTS_UNAVAILABLE", "event bus not available")
	}
	ch := s.eventBus.SubscribeRun(string(runID))
	cancel := func() { s.eventBus.Unsubscribe(ch) }

	run, err := s.orch.Store().Load(ctx, runID)
	if err != nil {
		cancel()
		return nil, events.RunEvent{}, nil, err
	}
	return ch, events.NewStatusEvent(run), cancel, nil
}

// handleRunEvents streams a run's events as Server-Sent Events. The first
// event is the current status; the stream ends when the run finishes.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	eventCh, current, unsubscribe, err := s.runStream(ctx, runID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	logger := s.logger.WithRun(string(runID))
	logger.Debug("SSE client connected", "remote_addr", r.RemoteAddr)

	s.sendSSEEvent(w, flusher, current.EventType(), current)
	if current.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case event, ok := <-eventCh:
			if !ok {
				logger.Debug("EventBus closed, ending SSE stream")
				return
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)
			if ev, ok := event.(events.RunEvent); ok && ev.IsTerminal() {
				return
			}
		}
	}
}

// sendSSEEvent writes an event to the SSE stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	// SSE format: event: type\ndata: json\n\n
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
