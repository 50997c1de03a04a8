// Package worker executes queued analysis jobs against the analysis engine
// and reports each outcome to settlement.
package worker

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/memora/internal/pricing/domain"
)

// Run is the mutable state threaded through the steps of one job attempt.
type Run struct {
	JobID     snowflake.ID
	OrgID     string
	Standard  string
	Documents []pricingdomain.Document
	Outputs   map[string]string
	Artifact  string
}

type Step struct {
	Name string
	Exec func(ctx context.Context, run *Run) error
}

type Engine interface {
	Steps(standard string) []Step
}

// StepFailure is the error reported when any step returns an error or panics.
type StepFailure struct {
	Step string
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// DefaultStepNames is the memo pipeline run for every supported standard.
var DefaultStepNames = []string{
	"extract_terms",
	"identify_arrangement",
	"apply_standard",
	"assess_judgments",
	"draft_memo",
}

// EngineFunc adapts a single function into an Engine running DefaultStepNames.
type EngineFunc func(ctx context.Context, step string, run *Run) error

func (f EngineFunc) Steps(string) []Step {
	steps := make([]Step, 0, len(DefaultStepNames))
	for _, name := range DefaultStepNames {
		name := name
		steps = append(steps, Step{
			Name: name,
			Exec: func(ctx context.Context, run *Run) error { return f(ctx, name, run) },
		})
	}
	return steps
}
