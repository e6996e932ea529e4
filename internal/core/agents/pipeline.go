package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/core/services"
	"github.com/cra-copilot/backend/internal/domain"
)

// Step is one named stage of an agent. Checkpoint is the percentage reached
// when the step finishes; 100 is left to the completion write.
type Step struct {
	Name       string
	Checkpoint float64
}

// pipeline runs declared steps in order and reports progress around each.
type pipeline struct {
	agent    string
	taskID   string
	reporter ports.ProgressReporter
	steps    []Step
	next     int
}

func newPipeline(agent, taskID string, reporter ports.ProgressReporter, steps ...Step) *pipeline {
	return &pipeline{
		agent:    agent,
		taskID:   taskID,
		reporter: reporter,
		steps:    steps,
	}
}

func (p *pipeline) report(ctx context.Context, u domain.ProgressUpdate) {
	if p.reporter == nil {
		return
	}
	p.reporter.UpdateProgress(ctx, p.taskID, u)
}

// run executes the next declared step. Cancellation is checked before the
// step starts; errors are wrapped with the step name unless a nested agent
// already did so.
func (p *pipeline) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.next >= len(p.steps) {
		return fmt.Errorf("%s: no step left to run", p.agent)
	}
	st := p.steps[p.next]
	if err := ctx.Err(); err != nil {
		return err
	}

	name := st.Name
	p.report(ctx, domain.ProgressUpdate{
		CurrentStep:    &name,
		StepsCompleted: domain.IntPtr(p.next),
		TotalSteps:     domain.IntPtr(len(p.steps)),
	})

	if err := fn(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var stepErr *services.PipelineStepError
		if errors.As(err, &stepErr) {
			return err
		}
		return services.NewPipelineStepError(p.agent, st.Name, err)
	}

	p.next++
	if st.Checkpoint < 100 {
		p.report(ctx, domain.ProgressUpdate{
			Percentage:     domain.Float64Ptr(st.Checkpoint),
			StepsCompleted: domain.IntPtr(p.next),
		})
	}
	return nil
}

// label replaces the current step text without moving progress.
func (p *pipeline) label(ctx context.Context, text string) {
	p.report(ctx, domain.ProgressUpdate{CurrentStep: &text})
}

// advance moves progress inside the current step. It never passes the
// step's own checkpoint.
func (p *pipeline) advance(ctx context.Context, pct float64, text string) {
	if p.next < len(p.steps) && pct >= p.steps[p.next].Checkpoint {
		return
	}
	u := domain.ProgressUpdate{Percentage: domain.Float64Ptr(pct)}
	if text != "" {
		u.CurrentStep = &text
	}
	p.report(ctx, u)
}

// scaledReporter maps a nested agent's 0-100 progress into [lo, hi] of the
// parent task. Step counters and terminal fields are owned by the parent and
// are dropped.
type scaledReporter struct {
	parent ports.ProgressReporter
	lo, hi float64
	prefix string
}

func newScaledReporter(parent ports.ProgressReporter, lo, hi float64, prefix string) *scaledReporter {
	return &scaledReporter{parent: parent, lo: lo, hi: hi, prefix: prefix}
}

func (r *scaledReporter) UpdateProgress(ctx context.Context, taskID string, u domain.ProgressUpdate) bool {
	if r.parent == nil {
		return true
	}
	var out domain.ProgressUpdate
	if u.CurrentStep != nil {
		label := *u.CurrentStep
		if r.prefix != "" {
			label = r.prefix + ": " + label
		}
		out.CurrentStep = &label
	}
	if u.Percentage != nil {
		pct := *u.Percentage
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		out.Percentage = domain.Float64Ptr(r.lo + pct/100*(r.hi-r.lo))
	}
	if out.CurrentStep == nil && out.Percentage == nil {
		return true
	}
	return r.parent.UpdateProgress(ctx, taskID, out)
}
