package orchestrator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/turtacn/vboxhalt/internal/vmctx"
)

// Outcome is how a machine ended up after a stop request.
type Outcome string

const (
	OutcomeShutdown Outcome = "shutdown"
	OutcomeSaved    Outcome = "saved"
	OutcomeFailed   Outcome = "failed"
)

// MachineResult is the outcome for one machine.
type MachineResult struct {
	Machine vmctx.Snapshot
	Outcome Outcome
	Err     error
}

// Report summarizes one stop-all run.
type Report struct {
	RunID   string
	Results []MachineResult
	errs    *multierror.Error
}

func (r *Report) add(res MachineResult) {
	r.Results = append(r.Results, res)
	if res.Err != nil {
		r.errs = multierror.Append(r.errs, fmt.Errorf("%s: %w", res.Machine.Name, res.Err))
	}
}

// Failed returns how many machines could not be stopped.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// Err joins the per-machine failures, or returns nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

// Personal.AI order the ending
