package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/adapters/agent"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/adapters/state"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/control"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/stages"
)

var defaultOutputs = map[core.StageName]string{
	core.StageMarketResearch: `{"competitors":["Evernote"],"competitor_weaknesses":["slow sync"],"market_gaps":["offline"],"target_audience_suggestions":["students"],"feature_recommendations":["tags"]}`,
	core.StageImprovement:    `{"product_concept":"Offline-first notes","target_audience":["students"],"key_features":["sync","tags"],"unique_selling_points":["fast"]}`,
	core.StageBranding:       `{"brand_name":"Notely","tagline":"Write anywhere","color_palette":["#112233"]}`,
	core.StageCodeGeneration: `{"artifact_url":"https://artifacts.example/notely.zip","files":["main.go"]}`,
	core.StageMarketing:      `{"headline":"Notes that keep up","ad_copy":["Try Notely"],"channels":["web"]}`,
	core.StageDeployment:     `{"deployment_url":"https://notely.example","status":"live"}`,
}

// agentCall is one request received by the fake agent server.
type agentCall struct {
	Stage    core.StageName
	Envelope map[string]any
}

// fakeAgents serves every stage at /a2a/<stage>/invoke. Stages answer with
// defaultOutputs unless a handler overrides them.
type fakeAgents struct {
	server *httptest.Server

	mu       sync.Mutex
	calls    []agentCall
	handlers map[core.StageName]http.HandlerFunc
}

func newFakeAgents(t *testing.T) *fakeAgents {
	t.Helper()
	fa := &fakeAgents{handlers: make(map[core.StageName]http.HandlerFunc)}
	fa.server = httptest.NewServer(http.HandlerFunc(fa.serve))
	t.Cleanup(fa.server.Close)
	return fa
}

func (fa *fakeAgents) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "a2a" || parts[2] != "invoke" {
		http.NotFound(w, r)
		return
	}
	stage := core.StageName(parts[1])

	var env map[string]any
	_ = json.NewDecoder(r.Body).Decode(&env)

	fa.mu.Lock()
	fa.calls = append(fa.calls, agentCall{Stage: stage, Envelope: env})
	handler := fa.handlers[stage]
	fa.mu.Unlock()

	if handler != nil {
		handler(w, r)
		return
	}
	writeResult(w, defaultOutputs[stage])
}

func (fa *fakeAgents) handle(stage core.StageName, h http.HandlerFunc) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.handlers[stage] = h
}

func (fa *fakeAgents) stagesCalled() []core.StageName {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	out := make([]core.StageName, 0, len(fa.calls))
	for _, c := range fa.calls {
		out = append(out, c.Stage)
	}
	return out
}

func (fa *fakeAgents) input(stage core.StageName) map[string]any {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, c := range fa.calls {
		if c.Stage == stage {
			in, _ := c.Envelope["input"].(map[string]any)
			return in
		}
	}
	return nil
}

func writeResult(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"event_id":"evt-1","type":"result","data":%s,"metadata":{"status":"success"}}`, data)
}

type harness struct {
	orch   *Orchestrator
	store  core.RunStore
	bus    *events.EventBus
	agents *fakeAgents
}

type harnessConfig struct {
	registryOpts []stages.Option
	timeouts     map[core.StageName]time.Duration
	opts         []Option
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	agents := newFakeAgents(t)

	endpoints := make(map[core.StageName]stages.Endpoint)
	for _, stage := range core.AllStages() {
		endpoints[stage] = stages.Endpoint{URL: agents.server.URL, Timeout: cfg.timeouts[stage]}
	}
	registry, err := stages.NewRegistry(endpoints, cfg.registryOpts...)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	bus := events.New(100)
	t.Cleanup(bus.Close)

	invoker := agent.New(agent.WithDefaultTimeout(5 * time.Second))
	orch, err := New(registry, store, invoker, bus, cfg.opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Supervisor().Shutdown(ctx)
	})

	return &harness{orch: orch, store: store, bus: bus, agents: agents}
}

func (h *harness) waitForStatus(t *testing.T, id core.RunID, want core.RunStatus) *core.WorkflowRun {
	t.Helper()
	var run *core.WorkflowRun
	require.Eventually(t, func() bool {
		var err error
		run, err = h.store.Load(context.Background(), id)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", id, want)
	return run
}

func validInput() core.RunInput {
	return core.RunInput{InitialTopic: "note taking app", TargetURL: "https://example.com"}
}

func TestExecute_HappyPathWithApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(run.ID), "wf-"))
	assert.Equal(t, core.RunStatusStarting, run.Status)
	assert.Equal(t, core.VariantStandard, run.Variant)

	paused, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPendingApproval, paused.Status)
	assert.Equal(t, core.StageDeployment, paused.CurrentStage)
	assert.Len(t, paused.StageResults, 3)
	assert.Equal(t, []core.StageName{core.StageMarketResearch, core.StageImprovement, core.StageBranding},
		h.agents.stagesCalled(), "deployment must wait for approval")

	// Results flow into the next stage's input.
	improvementIn := h.agents.input(core.StageImprovement)
	assert.Equal(t, []any{"offline"}, improvementIn["market_gaps"])
	assert.Equal(t, "Offline-first notes", h.agents.input(core.StageBranding)["product_concept"])

	decided, err := h.orch.Decide(ctx, run.ID, control.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusApprovedResuming, decided.Status)

	done := h.waitForStatus(t, run.ID, core.RunStatusCompleted)
	assert.Empty(t, done.CurrentStage)
	assert.Empty(t, done.ErrorMessage)
	assert.Len(t, done.StageResults, 4)

	var final stages.FinalResult
	require.NoError(t, json.Unmarshal(done.FinalResult, &final))
	assert.Equal(t, "note taking app", final.InitialTopic)
	assert.JSONEq(t, defaultOutputs[core.StageDeployment], string(final.Deployment))
	assert.Equal(t, "Notely", h.agents.input(core.StageDeployment)["brand_name"])

	steps, err := h.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for i, stage := range []core.StageName{core.StageMarketResearch, core.StageImprovement, core.StageBranding, core.StageDeployment} {
		assert.Equal(t, stage, steps[i].StepName)
		assert.Equal(t, core.StepSucceeded, steps[i].Status)
		assert.Equal(t, 1, steps[i].Attempt)
		assert.NotEmpty(t, steps[i].InvocationID)
		assert.NotNil(t, steps[i].CompletedAt)
	}

	assert.Eventually(t, func() bool {
		return h.orch.Metrics().Snapshot().RunsCompleted == 1
	}, time.Second, 10*time.Millisecond)
	snap := h.orch.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.RunsStarted)
	assert.Equal(t, int64(1), snap.RunsPending)
	assert.Equal(t, int64(1), snap.Stages[core.StageBranding].Attempts)
}

func TestExecute_StageTimeoutFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{
		timeouts: map[core.StageName]time.Duration{core.StageBranding: 50 * time.Millisecond},
	})
	h.agents.handle(core.StageBranding, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeResult(w, defaultOutputs[core.StageBranding])
	})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)

	failed, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, `stage "branding"`)
	assert.Contains(t, failed.ErrorMessage, "timeout")
	assert.Equal(t, core.StageBranding, failed.FailedStage)
	assert.Empty(t, failed.CurrentStage)
	assert.Nil(t, failed.FinalResult)
	assert.NotContains(t, h.agents.stagesCalled(), core.StageDeployment)

	// Earlier results are kept.
	assert.True(t, failed.HasResult(core.StageMarketResearch))
	assert.True(t, failed.HasResult(core.StageImprovement))
	assert.False(t, failed.HasResult(core.StageBranding))

	steps, err := h.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, core.StepFailed, steps[2].Status)
	assert.Contains(t, steps[2].Error, "branding")
}

func TestCreate_InvalidInputNotPersisted(t *testing.T) {
	tests := []struct {
		name string
		in   core.RunInput
		code string
	}{
		{name: "empty topic", in: core.RunInput{InitialTopic: "   "}, code: core.CodeEmptyTopic},
		{name: "topic too long", in: core.RunInput{InitialTopic: strings.Repeat("x", core.MaxTopicLength+1)}, code: core.CodeTopicTooLong},
		{name: "relative url", in: core.RunInput{InitialTopic: "notes", TargetURL: "example.com"}, code: core.CodeInvalidURL},
		{name: "unknown variant", in: core.RunInput{InitialTopic: "notes", Variant: "huge"}, code: core.CodeInvalidVariant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, harnessConfig{})

			run, err := h.orch.Start(ctx, tt.in)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation))
			var de *core.DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.code, de.Code)

			runs, err := h.store.ListRuns(ctx, core.RunFilter{})
			require.NoError(t, err)
			assert.Empty(t, runs)
			assert.Empty(t, h.agents.stagesCalled())
		})
	}
}

func TestDecide_RejectStopsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)

	rejected, err := h.orch.Decide(ctx, run.ID, control.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRejected, rejected.Status)
	assert.Empty(t, rejected.ErrorMessage)
	assert.Empty(t, rejected.CurrentStage)

	_, err = h.orch.Decide(ctx, run.ID, control.DecisionApproved)
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))

	// Give a wrongly scheduled resume the chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, h.agents.stagesCalled(), core.StageDeployment)
	assert.Equal(t, int64(1), h.orch.Metrics().Snapshot().RunsRejected)
}

func TestDecide_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []core.RunStatus
		conflicts int
	)
	for i := 0; i < n; i++ {
		decision := control.DecisionApproved
		if i%2 == 1 {
			decision = control.DecisionRejected
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			updated, err := h.orch.Decide(ctx, run.ID, decision)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if core.IsConflict(err) {
					conflicts++
				}
				return
			}
			winners = append(winners, updated.Status)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)

	if winners[0] == core.RunStatusApprovedResuming {
		h.waitForStatus(t, run.ID, core.RunStatusCompleted)
		calls := 0
		for _, s := range h.agents.stagesCalled() {
			if s == core.StageDeployment {
				calls++
			}
		}
		assert.Equal(t, 1, calls, "deployment runs exactly once")
	} else {
		assert.Equal(t, core.RunStatusRejected, winners[0])
	}
}

func TestDecide_InvalidDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)

	_, err = h.orch.Decide(ctx, run.ID, control.Decision("maybe"))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	loaded, err := h.store.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPendingApproval, loaded.Status)
}

func TestExecute_RetriesIdempotentStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{
		opts: []Option{WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})},
	})
	var mu sync.Mutex
	attempts := 0
	h.agents.handle(core.StageMarketResearch, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		writeResult(w, defaultOutputs[core.StageMarketResearch])
	})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	paused, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPendingApproval, paused.Status)

	steps, err := h.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(steps), 2)
	assert.Equal(t, core.StageMarketResearch, steps[0].StepName)
	assert.Equal(t, core.StepFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
	assert.Equal(t, core.StepSucceeded, steps[1].Status)
	assert.Equal(t, 2, steps[1].Attempt)

	snap := h.orch.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(2), snap.Stages[core.StageMarketResearch].Attempts)
	assert.Equal(t, int64(1), snap.Stages[core.StageMarketResearch].Failures)
}

func TestExecute_DoesNotRetryDeployment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{
		registryOpts: []stages.Option{stages.WithApprovalStage("")},
		opts:         []Option{WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})},
	})
	h.agents.handle(core.StageDeployment, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	failed, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Equal(t, core.StageDeployment, failed.FailedStage)
	assert.Contains(t, failed.ErrorMessage, "502")

	deployments := 0
	for _, s := range h.agents.stagesCalled() {
		if s == core.StageDeployment {
			deployments++
		}
	}
	assert.Equal(t, 1, deployments)
}

func TestExecute_ExtendedVariantWithoutGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{registryOpts: []stages.Option{stages.WithApprovalStage("")}})

	in := validInput()
	in.Variant = core.VariantExtended
	run, err := h.orch.Create(ctx, in)
	require.NoError(t, err)

	done, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, done.Status)
	assert.Equal(t, core.AllStages(), h.agents.stagesCalled())
	assert.Len(t, done.StageResults, 6)
	assert.Equal(t, "https://artifacts.example/notely.zip", h.agents.input(core.StageDeployment)["artifact_url"])
	assert.Equal(t, "Notes that keep up", h.agents.input(core.StageDeployment)["headline"])
}

func TestExecute_GateOnFirstStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{registryOpts: []stages.Option{stages.WithApprovalStage(core.StageMarketResearch)}})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	paused, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPendingApproval, paused.Status)
	assert.Equal(t, core.StageMarketResearch, paused.CurrentStage)
	assert.Empty(t, h.agents.stagesCalled())

	_, err = h.orch.Decide(ctx, run.ID, control.DecisionApproved)
	require.NoError(t, err)
	h.waitForStatus(t, run.ID, core.RunStatusCompleted)
}

func TestExecute_InvalidOutputKeepsRawResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.agents.handle(core.StageBranding, func(w http.ResponseWriter, _ *http.Request) {
		writeResult(w, `{"tagline":"nameless"}`)
	})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	failed, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "brand_name")
	assert.False(t, failed.HasResult(core.StageBranding))

	steps, err := h.store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	last := steps[len(steps)-1]
	assert.Equal(t, core.StepFailed, last.Status)
	assert.JSONEq(t, `{"tagline":"nameless"}`, string(last.Result))
}

func TestExecute_RemoteAgentError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.agents.handle(core.StageImprovement, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"error","data":{"message":"model unavailable"}}`))
	})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	failed, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Equal(t, core.StageImprovement, failed.FailedStage)
	assert.Contains(t, failed.ErrorMessage, "model unavailable")
	assert.Equal(t, []core.StageName{core.StageMarketResearch, core.StageImprovement}, h.agents.stagesCalled())
}

func TestExecute_TerminalAndActiveRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = h.orch.Decide(ctx, run.ID, control.DecisionApproved)
	require.Error(t, err, "a starting run is not pending approval")

	_, err = h.store.UpdateStatus(ctx, run.ID, core.RunStatusStarting, core.RunUpdate{
		Status:       core.RunStatusMarketResearch,
		CurrentStage: core.StageMarketResearch,
	})
	require.NoError(t, err)

	_, err = h.orch.Execute(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))

	failed, err := h.store.UpdateStatus(ctx, run.ID, core.RunStatusMarketResearch, core.RunUpdate{
		Status:       core.RunStatusFailed,
		ErrorMessage: core.StageFailureMessage(core.StageMarketResearch, "boom"),
		FailedStage:  core.StageMarketResearch,
	})
	require.NoError(t, err)

	again, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.Status, again.Status)
	assert.Empty(t, h.agents.stagesCalled())

	_, err = h.orch.Execute(ctx, "wf-missing")
	assert.True(t, core.IsNotFound(err))
}

func TestStart_PublishesStatusEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{registryOpts: []stages.Option{stages.WithApprovalStage("")}})

	ch := h.bus.Subscribe()
	run, err := h.orch.Start(ctx, validInput())
	require.NoError(t, err)

	var statuses []core.RunStatus
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			re, ok := ev.(events.RunEvent)
			require.True(t, ok)
			if re.Run != run.ID || re.Type != events.TypeRunStatus {
				continue
			}
			statuses = append(statuses, re.Status)
			if re.Status.IsTerminal() {
				assert.Equal(t, []core.RunStatus{
					core.RunStatusStarting,
					core.RunStatusMarketResearch,
					core.RunStatusImprovement,
					core.RunStatusBranding,
					core.RunStatusDeployment,
					core.RunStatusCompleted,
				}, statuses)
				return
			}
		case <-timeout:
			t.Fatalf("run never finished, saw %v", statuses)
		}
	}
}

// panicInvoker panics on every call.
type panicInvoker struct{}

func (panicInvoker) Invoke(context.Context, core.InvokeRequest) (json.RawMessage, error) {
	panic("agent client exploded")
}

func TestExecute_RecoversPanic(t *testing.T) {
	ctx := context.Background()
	endpoints := make(map[core.StageName]stages.Endpoint)
	for _, stage := range core.AllStages() {
		endpoints[stage] = stages.Endpoint{URL: "http://agents.invalid"}
	}
	registry, err := stages.NewRegistry(endpoints)
	require.NoError(t, err)
	store := state.NewMemoryStore()

	orch, err := New(registry, store, panicInvoker{}, nil)
	require.NoError(t, err)

	run, err := orch.Create(ctx, validInput())
	require.NoError(t, err)
	failed, err := orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "internal error: agent client exploded")
	assert.Equal(t, core.StageMarketResearch, failed.FailedStage)
}

func TestStart_SubmitFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	require.NoError(t, h.orch.Supervisor().Shutdown(ctx))

	_, err := h.orch.Start(ctx, validInput())
	require.Error(t, err)

	runs, err := h.store.ListRuns(ctx, core.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunStatusFailed, runs[0].Status)

	failed, err := h.store.Load(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageMarketResearch, failed.FailedStage, "a run that never started blames the first stage")
	assert.True(t, strings.HasPrefix(failed.ErrorMessage, `stage "market_research": internal error`), failed.ErrorMessage)
}

func TestCreate_StartingRunHasNoCurrentStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusStarting, run.Status)
	assert.Empty(t, run.CurrentStage)

	stored, err := h.store.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.CurrentStage)

	paused, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPendingApproval, paused.Status)
	assert.Equal(t, core.StageDeployment, paused.CurrentStage)
}

func TestExecute_EmptyMarketResearchDataPropagatesDefaults(t *testing.T) {
	bodies := map[string]string{
		"null data":    `{"type":"result","data":null,"metadata":{"status":"success"}}`,
		"missing data": `{"type":"result","metadata":{"status":"success"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, harnessConfig{})
			h.agents.handle(core.StageMarketResearch, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			})

			run, err := h.orch.Create(ctx, validInput())
			require.NoError(t, err)
			paused, err := h.orch.Execute(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, core.RunStatusPendingApproval, paused.Status, paused.ErrorMessage)
			assert.JSONEq(t, `{}`, string(paused.StageResults[core.StageMarketResearch]))

			in := h.agents.input(core.StageImprovement)
			require.NotNil(t, in)
			for _, field := range []string{"competitor_weaknesses", "market_gaps", "target_audience_suggestions", "feature_recommendations_from_market"} {
				assert.Equal(t, []any{}, in[field], field)
			}
		})
	}
}

func TestExecute_EmptyDataFailsStageWithRequiredFields(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.agents.handle(core.StageImprovement, func(w http.ResponseWriter, _ *http.Request) {
		writeResult(w, `null`)
	})

	run, err := h.orch.Create(ctx, validInput())
	require.NoError(t, err)
	failed, err := h.orch.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, failed.Status)
	assert.Equal(t, core.StageImprovement, failed.FailedStage)
	assert.Contains(t, failed.ErrorMessage, "agent returned no data")
}

func TestCreate_MissingAgentURLIsServerError(t *testing.T) {
	ctx := context.Background()
	registry, err := stages.NewRegistry(map[core.StageName]stages.Endpoint{
		core.StageMarketResearch: {URL: "http://agents.invalid"},
	})
	require.NoError(t, err)
	store := state.NewMemoryStore()
	orch, err := New(registry, store, agent.New(), nil)
	require.NoError(t, err)

	_, err = orch.Create(ctx, validInput())
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatInternal), "got %v", err)
	assert.False(t, core.IsCategory(err, core.ErrCatValidation))

	runs, err := store.ListRuns(ctx, core.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFailureReason(t *testing.T) {
	inv := &core.InvocationError{Kind: core.InvocationNetwork, Stage: core.StageBranding, Message: "connection refused"}
	assert.Equal(t, inv.Error(), failureReason(&RetryExhaustedError{Attempts: 3, LastErr: inv}))
	assert.Equal(t, "bad output", failureReason(core.ErrExecution(core.CodeOutputInvalid, "bad output")))
	assert.Equal(t, "plain", failureReason(fmt.Errorf("plain")))
}
