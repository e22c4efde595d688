package prototype

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

var (
	// ErrCancelled is returned when a run stops on request.
	ErrCancelled = errors.New("prototype computation cancelled")
	// ErrEmptyClass is returned when a full run finds a class without images.
	ErrEmptyClass = errors.New("dataset class has no images")
	// ErrBusy is returned by Submit while another request is pending or running.
	ErrBusy = errors.New("prototype computation already in progress")
)

// Request describes one computation.
type Request struct {
	Mode     Mode   `json:"mode"`
	Dataset  string `json:"dataset"`
	ModelSet string `json:"model_set"`
	// Output is the prototype set directory. Blobs and metadata.json are
	// written here; Activate copies them into the model set.
	Output string `json:"output"`
}

// Validate checks that every path is set.
func (r Request) Validate() error {
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	if r.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	if r.ModelSet == "" {
		return fmt.Errorf("model set is required")
	}
	if r.Output == "" {
		return fmt.Errorf("output directory is required")
	}
	return nil
}

// Phase is the lifecycle of the request cell.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Progress is a snapshot of the current or last run.
type Progress struct {
	Phase    Phase     `json:"phase"`
	Mode     Mode      `json:"mode,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Model    string    `json:"model,omitempty"`
	Class    Class     `json:"class,omitempty"`
	Done     int       `json:"done"`
	Total    int       `json:"total"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
}

// Service owns the request/progress cell and runs computations on the
// caller's goroutine.
type Service struct {
	FS       fsutil.FileSystem
	Catalog  *modelset.Catalog
	Runner   *npu.Runner
	Pipeline *preprocess.Pipeline
	Clock    timeutil.Clock

	mu       sync.Mutex
	pending  *Request
	progress Progress
	cancel   atomic.Bool
}

// NewService wires a service. A nil pipeline uses the default JPEG codec.
func NewService(fsys fsutil.FileSystem, catalog *modelset.Catalog, runner *npu.Runner, pipeline *preprocess.Pipeline, clock timeutil.Clock) *Service {
	if pipeline == nil {
		pipeline = preprocess.NewPipeline(nil)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if pipeline.Clock == nil {
		pipeline = pipeline.WithClock(clock)
	}
	return &Service{
		FS:       fsys,
		Catalog:  catalog,
		Runner:   runner,
		Pipeline: pipeline,
		Clock:    clock,
		progress: Progress{Phase: PhaseIdle},
	}
}

// Submit queues req for the worker.
func (s *Service) Submit(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil || s.progress.Phase == PhaseRunning {
		return ErrBusy
	}
	s.cancel.Store(false)
	s.pending = &req
	s.progress = Progress{Phase: PhasePending, Mode: req.Mode}
	return nil
}

// Pending reports whether a request waits for the worker.
func (s *Service) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Progress returns a copy of the progress cell.
func (s *Service) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Cancel stops a running computation at its next checkpoint, or drops a
// pending one.
func (s *Service) Cancel() {
	s.cancel.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending = nil
		s.progress.Phase = PhaseCancelled
		s.progress.Finished = s.Clock.Now()
	}
}

// RunPending executes the queued request, if any. ran is false when nothing
// was queued.
func (s *Service) RunPending(ctx context.Context) (ran bool, err error) {
	s.mu.Lock()
	req := s.pending
	s.pending = nil
	s.mu.Unlock()
	if req == nil {
		return false, nil
	}
	_, err = s.Compute(ctx, *req)
	return true, err
}

func (s *Service) update(f func(p *Progress)) {
	s.mu.Lock()
	f(&s.progress)
	s.mu.Unlock()
}

func (s *Service) checkpoint(ctx context.Context) error {
	if s.cancel.Load() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

func (s *Service) finish(err error) {
	outcome := "done"
	s.update(func(p *Progress) {
		p.Finished = s.Clock.Now()
		switch {
		case err == nil:
			p.Phase = PhaseDone
		case errors.Is(err, ErrCancelled):
			p.Phase = PhaseCancelled
			outcome = "cancelled"
		default:
			p.Phase = PhaseFailed
			p.Error = err.Error()
			outcome = "failed"
		}
	})
	monitoring.PrototypeRuns.WithLabelValues(outcome).Inc()
	if err != nil {
		monitoring.Logf("[Prototype] run %s: %v", outcome, err)
	}
}
