package npu

import (
	"context"
	"fmt"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

// DefaultRetryBackoff is the pause before the single retry of a transient failure.
const DefaultRetryBackoff = 100 * time.Millisecond

// Runner performs load, run and release for one inference, retrying a
// transient failure exactly once.
type Runner struct {
	Backend Backend
	Clock   timeutil.Clock
	Backoff time.Duration
	// Reclaim runs before the retry, typically dropping page caches so the
	// allocator can find contiguous memory.
	Reclaim func()
}

// NewRunner returns a Runner with the default backoff.
func NewRunner(b Backend, clock timeutil.Clock) *Runner {
	return &Runner{Backend: b, Clock: clock, Backoff: DefaultRetryBackoff}
}

// Run executes the model at path once. The returned error satisfies
// IsRetryable when both attempts failed transiently.
func (r *Runner) Run(ctx context.Context, path string, input []byte) (Output, error) {
	out, err := r.attempt(path, input)
	if err == nil || !IsRetryable(err) {
		return out, err
	}
	monitoring.Logf("[NPU] %s: %v, retrying in %v", path, err, r.Backoff)
	if r.Reclaim != nil {
		r.Reclaim()
	}
	if serr := timeutil.Sleep(ctx, r.Clock, r.Backoff); serr != nil {
		return Output{}, serr
	}
	return r.attempt(path, input)
}

func (r *Runner) attempt(path string, input []byte) (Output, error) {
	m, err := r.Backend.Load(path)
	if err != nil {
		return Output{}, fmt.Errorf("load %s: %w", path, err)
	}
	defer func() {
		if rerr := m.Release(); rerr != nil {
			monitoring.Logf("[NPU] release %s: %v", path, rerr)
		}
	}()

	h, w, c := m.InputShape()
	if want := h * w * c; want > 0 && len(input) != want {
		return Output{}, fmt.Errorf("run %s: input has %d bytes, model wants %dx%dx%d", path, len(input), h, w, c)
	}
	out, err := m.Run(input)
	if err != nil {
		return Output{}, fmt.Errorf("run %s: %w", path, err)
	}
	return out, nil
}
