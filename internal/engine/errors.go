package engine

import (
	"context"
	"fmt"

	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/supervisor"
)

// SimulationError describes a failed job returned by RunOne. It wraps the
// matching sentinel: supervisor.ErrNonZeroExit, supervisor.ErrTimeout,
// supervisor.ErrLaunchFailure, ErrJobNotRun or context.Canceled.
type SimulationError struct {
	Label    string
	Exit     model.ExitKind
	ExitCode *int
	Stderr   string
	Message  string
	Err      error
}

func newSimulationError(out model.ExecutionOutcome) *SimulationError {
	err := supervisor.Classify(out)
	switch out.Exit {
	case model.ExitNotRun:
		err = ErrJobNotRun
	case model.ExitCancelled:
		err = context.Canceled
	}
	return &SimulationError{
		Label:    out.Label,
		Exit:     out.Exit,
		ExitCode: out.ExitCode,
		Stderr:   out.Stderr,
		Message:  out.Error,
		Err:      err,
	}
}

func (e *SimulationError) Error() string {
	msg := fmt.Sprintf("simulation %s failed (%s)", e.Label, e.Exit)
	switch {
	case e.ExitCode != nil:
		msg += fmt.Sprintf(": exit code %d", *e.ExitCode)
	case e.Message != "":
		msg += ": " + e.Message
	}
	return msg
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}
