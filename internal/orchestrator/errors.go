package orchestrator

import "fmt"

// Phase names used in errors for steps outside the stage pipeline.
const (
	PhaseInit      = "workspace-init"
	PhaseBootstrap = "pr-bootstrap"
)

// PhaseError records which part of the job failed.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseErr(phase string, format string, args ...any) error {
	return &PhaseError{Phase: phase, Err: fmt.Errorf(format, args...)}
}
