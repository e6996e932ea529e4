package services

import (
	"errors"
	"fmt"
)

var (
	ErrServiceShuttingDown = errors.New("task service: shutting down")
)

// PipelineStepError reports the agent step that failed. The orchestrator
// stores its message as the task error.
type PipelineStepError struct {
	Agent string
	Step  string
	Err   error
}

func (e *PipelineStepError) Error() string {
	return fmt.Sprintf("%s: step %q failed: %v", e.Agent, e.Step, e.Err)
}

func (e *PipelineStepError) Unwrap() error {
	return e.Err
}

func NewPipelineStepError(agent, step string, err error) *PipelineStepError {
	return &PipelineStepError{Agent: agent, Step: step, Err: err}
}
