package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/config"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

var agentOutputs = map[string]string{
	"market_research": `{"competitors":["Evernote"],"competitor_weaknesses":["slow sync"],"market_gaps":["offline"],"target_audience_suggestions":["students"],"feature_recommendations":["tags"]}`,
	"improvement":     `{"product_concept":"Offline-first notes","target_audience":["students"],"key_features":["sync"],"unique_selling_points":["fast"]}`,
	"branding":        `{"brand_name":"Notely","tagline":"Write anywhere","color_palette":["#112233"]}`,
	"code_generation": `{"artifact_url":"https://artifacts.example/notely.zip","files":["main.go"]}`,
	"marketing":       `{"headline":"Notes that keep up","ad_copy":["Try Notely"],"channels":["web"]}`,
	"deployment":      `{"deployment_url":"https://notely.example","status":"live"}`,
}

// writeTestConfig starts fake agents and writes a config pointing at them
// with a SQLite store in a temp dir. It returns the config path.
func writeTestConfig(t *testing.T, approvalStage string) string {
	t.Helper()
	agents := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"type":"result","data":%s}`, agentOutputs[parts[1]])
	}))
	t.Cleanup(agents.Close)

	dir := t.TempDir()
	var stagesYAML strings.Builder
	for _, stage := range core.AllStages() {
		fmt.Fprintf(&stagesYAML, "  %s:\n    url: %s\n", stage, agents.URL)
	}
	content := fmt.Sprintf(`log:
  level: error
state:
  backend: sqlite
  path: %s
agents:
  timeout: 5s
%sworkflow:
  approval_stage: "%s"
`, filepath.Join(dir, "runs.db"), stagesYAML.String(), approvalStage)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		statusOutput, stepsOutput, listOutput = "table", "table", "table"
		listStatus = nil
		runTargetURL, runVariant = "", ""
		initForce = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

var runIDPattern = regexp.MustCompile(`Run (wf-[0-9a-f-]+) created`)

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "decisionpoints 1.2.3")
	assert.Contains(t, out, "commit: abc123")
	assert.Equal(t, "1.2.3", GetVersion())
}

func TestBuildRegistry(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Branding = config.AgentConfig{URL: "http://branding:8000/", AgentID: "brand", Simple: true, Timeout: "30s"}
	cfg.Workflow.Variant = "extended"

	registry, err := buildRegistry(cfg)
	require.NoError(t, err)
	assert.Empty(t, registry.ApprovalStage(), "empty approval stage disables the gate")
	assert.Equal(t, core.VariantExtended, registry.ResolveVariant(""))

	ep, err := registry.Endpoint(core.StageBranding)
	require.NoError(t, err)
	assert.Equal(t, "http://branding:8000", ep.URL)
	assert.Equal(t, "brand", ep.AgentID)
	assert.True(t, ep.Simple)

	_, err = registry.Endpoint(core.StageDeployment)
	assert.Error(t, err, "stages without a url have no endpoint")

	cfg.Workflow.ApprovalStage = "shipping"
	_, err = buildRegistry(cfg)
	assert.Error(t, err)
}

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]outputFormat{"": formatTable, "table": formatTable, "JSON": formatJSON, "yaml": formatYAML} {
		got, err := parseOutputFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseOutputFormat("xml")
	assert.Error(t, err)
}

func TestRunDecideStatusFlow(t *testing.T) {
	cfgPath := writeTestConfig(t, "deployment")

	out, err := execute(t, "--config", cfgPath, "run", "note", "taking", "app", "--target-url", "https://example.com")
	require.NoError(t, err, out)
	m := runIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	runID := m[1]
	assert.Contains(t, out, "waiting for approval before deployment")
	assert.Contains(t, out, "market_research started")

	out, err = execute(t, "--config", cfgPath, "list", "--status", "pending_approval")
	require.NoError(t, err)
	assert.Contains(t, out, runID)

	out, err = execute(t, "--config", cfgPath, "decide", runID, "approved")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")

	out, err = execute(t, "--config", cfgPath, "status", runID, "-o", "json")
	require.NoError(t, err)
	var run core.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, "note taking app", run.InitialTopic)
	assert.Len(t, run.StageResults, 4)
	assert.NotEmpty(t, run.FinalResult)

	out, err = execute(t, "--config", cfgPath, "steps", runID, "-o", "yaml")
	require.NoError(t, err)
	var steps []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &steps))
	require.Len(t, steps, 4)
	assert.Equal(t, "deployment", steps[3]["step_name"])

	_, err = execute(t, "--config", cfgPath, "decide", runID, "rejected")
	assert.Error(t, err, "completed runs cannot be decided")
}

func TestRunWithoutGateCompletes(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	out, err := execute(t, "--config", cfgPath, "run", "habit tracker")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")
	assert.NotContains(t, out, "waiting for approval")
}

func TestDecideRejectsUnknownDecision(t *testing.T) {
	cfgPath := writeTestConfig(t, "deployment")
	_, err := execute(t, "--config", cfgPath, "decide", "wf-1", "maybe")
	assert.Error(t, err)
}

func TestStatusUnknownRun(t *testing.T) {
	cfgPath := writeTestConfig(t, "deployment")
	_, err := execute(t, "--config", cfgPath, "status", "wf-missing")
	assert.True(t, core.IsNotFound(err), "got %v", err)
}

func TestInitWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := execute(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfigYAML, string(data))

	_, err = execute(t, "init", path)
	assert.Error(t, err, "existing file needs --force")
}

func TestSuggestions(t *testing.T) {
	_, err := parseStatusArg("complted")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "completed"?`)

	_, err = parseDecisionArg("aprove")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "approved"?`)

	_, err = parseStatusArg("zzz")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")

	status, err := parseStatusArg("Pending_Approval")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPendingApproval, status)
}
