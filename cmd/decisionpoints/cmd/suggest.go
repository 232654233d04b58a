package cmd

import (
	"fmt"

	"github.com/sahilm/fuzzy"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/control"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// suggest returns the best fuzzy match for input among candidates.
func suggest(input string, candidates []string) (string, bool) {
	if input == "" {
		return "", false
	}
	matches := fuzzy.Find(input, candidates)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0].Str, true
}

func withSuggestion(err error, input string, candidates []string) error {
	if s, ok := suggest(input, candidates); ok {
		return fmt.Errorf("%w (did you mean %q?)", err, s)
	}
	return err
}

func parseStatusArg(s string) (core.RunStatus, error) {
	status, err := core.ParseRunStatus(s)
	if err == nil {
		return status, nil
	}
	all := core.AllRunStatuses()
	names := make([]string, len(all))
	for i, st := range all {
		names[i] = string(st)
	}
	return "", withSuggestion(err, s, names)
}

func parseDecisionArg(s string) (control.Decision, error) {
	d, err := control.ParseDecision(s)
	if err == nil {
		return d, nil
	}
	return "", withSuggestion(err, s, []string{string(control.DecisionApproved), string(control.DecisionRejected)})
}
