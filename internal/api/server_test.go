package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/adapters/agent"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/adapters/state"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/diagnostics"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/service/workflow"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/stages"
)

var stageOutputs = map[core.StageName]string{
	core.StageMarketResearch: `{"competitors":["Evernote"],"competitor_weaknesses":["slow sync"],"market_gaps":["offline"],"target_audience_suggestions":["students"],"feature_recommendations":["tags"]}`,
	core.StageImprovement:    `{"product_concept":"Offline-first notes","target_audience":["students"],"key_features":["sync"],"unique_selling_points":["fast"]}`,
	core.StageBranding:       `{"brand_name":"Notely","tagline":"Write anywhere","color_palette":["#112233"]}`,
	core.StageCodeGeneration: `{"artifact_url":"https://artifacts.example/notely.zip","files":["main.go"]}`,
	core.StageMarketing:      `{"headline":"Notes that keep up","ad_copy":["Try Notely"],"channels":["web"]}`,
	core.StageDeployment:     `{"deployment_url":"https://notely.example","status":"live"}`,
}

// agentStub answers every stage with stageOutputs.
type agentStub struct{}

func (agentStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	stage := core.StageName(parts[1])
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"type":"result","data":%s}`, stageOutputs[stage])
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	orch   *workflow.Orchestrator
	store  core.RunStore
	bus    *events.EventBus
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	agentSrv := httptest.NewServer(agentStub{})
	t.Cleanup(agentSrv.Close)

	endpoints := make(map[core.StageName]stages.Endpoint)
	for _, stage := range core.AllStages() {
		endpoints[stage] = stages.Endpoint{URL: agentSrv.URL}
	}
	registry, err := stages.NewRegistry(endpoints)
	require.NoError(t, err)

	store := state.NewMemoryStore()
	bus := events.New(100)
	t.Cleanup(bus.Close)

	orch, err := workflow.New(registry, store, agent.New(agent.WithDefaultTimeout(5*time.Second)), bus)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Supervisor().Shutdown(ctx)
	})

	srv := NewServer(orch, bus, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, http: ts, orch: orch, store: store, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) createRun(t *testing.T) core.RunID {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/a2a/workflow", `{"initial_topic":"note taking app","target_url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted RunAccepted
	require.NoError(t, json.Unmarshal(body, &accepted))
	return accepted.RunID
}

func (e *testEnv) waitForStatus(t *testing.T, id core.RunID, want core.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := e.store.Load(context.Background(), id)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", id, want)
}

func TestCreateRun_AcceptsAndPausesForApproval(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	assert.True(t, strings.HasPrefix(string(id), "wf-"))

	env.waitForStatus(t, id, core.RunStatusPendingApproval)

	resp, body := env.do(t, http.MethodGet, "/a2a/workflow/"+string(id), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run core.WorkflowRun
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, core.StageDeployment, run.CurrentStage)
	assert.Len(t, run.StageResults, 3)
}

func TestCreateRun_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/a2a/workflow", `{"initial_topic":"   "}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	resp, _ = env.do(t, http.MethodPost, "/a2a/workflow", `{"initial_topic":"x","variant":"bogus"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/a2a/workflow", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	runs, err := env.store.ListRuns(context.Background(), core.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateRun_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	header := map[string]string{IdempotencyHeader: "abc-123"}
	body := `{"initial_topic":"note taking app"}`

	var ids []core.RunID
	for i := 0; i < 2; i++ {
		resp, raw := env.do(t, http.MethodPost, "/a2a/workflow", body, header)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var accepted RunAccepted
		require.NoError(t, json.Unmarshal(raw, &accepted))
		ids = append(ids, accepted.RunID)
	}
	assert.Equal(t, ids[0], ids[1])

	runs, err := env.store.ListRuns(context.Background(), core.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/a2a/workflow/wf-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")

	resp, _ = env.do(t, http.MethodGet, "/a2a/workflow/wf-missing/steps", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListStepsAndRuns(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)

	resp, body := env.do(t, http.MethodGet, "/a2a/workflow/"+string(id)+"/steps", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var steps []core.StepRecord
	require.NoError(t, json.Unmarshal(body, &steps))
	require.Len(t, steps, 3)
	assert.Equal(t, core.StageMarketResearch, steps[0].StepName)

	resp, body = env.do(t, http.MethodGet, "/a2a/workflow?status=pending_approval,completed&limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []core.RunSummary
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)

	resp, _ = env.do(t, http.MethodGet, "/a2a/workflow?status=sleeping", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/a2a/workflow?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResume(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)
	path := "/a2a/workflow/" + string(id) + "/resume"

	resp, _ := env.do(t, http.MethodPost, path, `{"decision":"maybe"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/a2a/workflow/wf-missing/resume", `{"decision":"approved"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, path, `{"decision":"approved"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var decided DecisionResponse
	require.NoError(t, json.Unmarshal(body, &decided))
	assert.Equal(t, core.RunStatusApprovedResuming, decided.Status)

	resp, _ = env.do(t, http.MethodPost, path, `{"decision":"rejected"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	env.waitForStatus(t, id, core.RunStatusCompleted)
}

func TestResume_Reject(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)

	resp, body := env.do(t, http.MethodPost, "/a2a/workflow/"+string(id)+"/resume", `{"decision":"rejected"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	run, err := env.store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRejected, run.Status)
}

func TestHealthAndTasks(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)

	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.EqualValues(t, 1, health.Metrics.RunsStarted)

	require.Eventually(t, func() bool {
		resp, body := env.do(t, http.MethodGet, "/a2a/tasks?run_id="+string(id), "", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var tasks []workflow.Task
		if json.Unmarshal(body, &tasks) != nil || len(tasks) != 1 {
			return false
		}
		return tasks[0].Kind == workflow.TaskKindExecute && tasks[0].Status.IsFinal()
	}, 5*time.Second, 10*time.Millisecond)

	_, body = env.do(t, http.MethodGet, "/a2a/tasks?run_id=wf-other", "", nil)
	assert.JSONEq(t, `[]`, string(body))
}

func TestHealth_WithDiagnostics(t *testing.T) {
	monitor := diagnostics.NewResourceMonitor(diagnostics.MonitorConfig{GoroutineThreshold: 1}, nil, nil)
	env := newTestEnv(t, WithDiagnostics(monitor, diagnostics.NewHostCollector("")))

	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	require.NotNil(t, health.Resources)
	assert.Positive(t, health.Resources.Goroutines)
	require.NotNil(t, health.Host)
	require.NotEmpty(t, health.Warnings, "a goroutine threshold of 1 is always exceeded")
	assert.Equal(t, "degraded", health.Status)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, WithCORSOrigins([]string{"https://ui.example"}))

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/a2a/workflow", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

// readSSE collects events until the stream closes.
func readSSE(url string) ([]events.RunEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); resp.StatusCode != http.StatusOK || ct != "text/event-stream" {
		return nil, fmt.Errorf("unexpected response: %d %s", resp.StatusCode, ct)
	}

	var out []events.RunEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.RunEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

func TestRunEvents_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)

	type result struct {
		events []events.RunEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		evs, err := readSSE(env.http.URL + "/a2a/workflow/" + string(id) + "/events")
		done <- result{evs, err}
	}()

	require.Eventually(t, func() bool { return env.bus.SubscriberCount() > 0 }, 5*time.Second, 10*time.Millisecond)
	_, err := env.orch.Decide(context.Background(), id, "approved")
	require.NoError(t, err)

	var got []events.RunEvent
	select {
	case res := <-done:
		require.NoError(t, res.err)
		got = res.events
	case <-time.After(10 * time.Second):
		t.Fatal("SSE stream did not close")
	}
	require.NotEmpty(t, got)
	assert.Equal(t, core.RunStatusPendingApproval, got[0].Status, "first event is the snapshot")
	last := got[len(got)-1]
	assert.Equal(t, events.TypeRunStatus, last.Type)
	assert.Equal(t, core.RunStatusCompleted, last.Status)
}

func TestRunEvents_TerminalRunClosesAfterSnapshot(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)
	_, err := env.orch.Decide(context.Background(), id, "rejected")
	require.NoError(t, err)

	got, err := readSSE(env.http.URL + "/a2a/workflow/" + string(id) + "/events")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.RunStatusRejected, got[0].Status)

	resp, _ := env.do(t, http.MethodGet, "/a2a/workflow/wf-missing/events", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunWebSocket(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)
	env.waitForStatus(t, id, core.RunStatusPendingApproval)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/a2a/workflow/" + string(id) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first events.RunEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, core.RunStatusPendingApproval, first.Status)

	_, err = env.orch.Decide(context.Background(), id, "approved")
	require.NoError(t, err)

	var last events.RunEvent
	for {
		var ev events.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = ev
	}
	assert.Equal(t, core.RunStatusCompleted, last.Status)
}

func TestRunWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	id := env.createRun(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/a2a/workflow/" + string(id) + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIdempotencyCache_ConcurrentSameKey(t *testing.T) {
	cache := newIdempotencyCache(time.Minute)
	var mu sync.Mutex
	created := 0
	create := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		created++
		return fmt.Sprintf("wf-%d", created), nil
	}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _, _ = cache.do("same", create)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, id := range ids {
		assert.Equal(t, "wf-1", id)
	}
}
