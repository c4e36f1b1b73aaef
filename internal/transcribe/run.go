package transcribe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/artifact"
	"github.com/loqalabs/loqa-recorder/internal/fault"
)

// Run is one "convert to text" invocation.
type Run struct {
	id        string
	handle    artifact.Handle
	cancel    context.CancelCauseFunc
	done      chan struct{}
	startedAt time.Time

	mu         sync.Mutex
	status     Status
	transcript strings.Builder
	hypothesis string
	result     Result
}

func (r *Run) ID() string { return r.id }

// Handle of the artifact the run was started against.
func (r *Run) Handle() artifact.Handle { return r.handle }

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Transcript is the finalized text so far: each segment followed by a space.
func (r *Run) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

// Hypothesis is the latest interim result, never part of the transcript.
func (r *Run) Hypothesis() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hypothesis
}

// Done is closed once the run reaches Completed or Errored.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the final state once the run is done.
func (r *Run) Result() (Result, bool) {
	select {
	case <-r.done:
	default:
		return Result{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, true
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		res, _ := r.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel ends the run with kind Canceled. It has no effect on a finished run.
func (r *Run) Cancel() {
	r.cancel(fault.Newf(fault.KindCanceled, "transcribe", "canceled"))
}
