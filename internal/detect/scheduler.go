package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/config"
	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/heatmap"
	"github.com/rinkhals-tools/faultwatch/internal/history"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
	"github.com/rinkhals-tools/faultwatch/internal/prototype"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

// IdleWait is the pause between checks while detection is disabled or the
// accelerator is missing.
const IdleWait = time.Second

// VerifyCycles is the number of consecutive OK cycles run at the verify
// interval after a FAULT.
const VerifyCycles = 3

// Options are the collaborators of a Scheduler. Only Backend and Models are
// required.
type Options struct {
	Backend  npu.Backend
	Models   *modelset.Catalog
	Frames   FrameSource
	Pipeline *preprocess.Pipeline
	Clock    timeutil.Clock
	Memory   MemoryProbe
	// EncoderBusy reports that encode or export work holds the DMA region.
	EncoderBusy func() bool
	Height      HeightSource
	Alerter     Alerter
	Recorder    EventRecorder
	Prototypes  *prototype.Service
	// Reclaim is called before retrying a transient accelerator failure.
	Reclaim      func()
	FrameTimeout time.Duration
}

// loadedSet is the model set in use with its prototypes decoded.
type loadedSet struct {
	ms                  *modelset.ModelSet
	proto, fine, coarse *heatmap.Scorer
}

// Scheduler owns the detection worker and the published state.
type Scheduler struct {
	opts    Options
	runner  *npu.Runner
	mailbox *Mailbox
	frames  FrameSource

	cfgMu sync.Mutex
	cfg   config.DetectionConfig

	stateMu sync.Mutex
	state   DetectionState

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	reload atomic.Bool
	// revalidate makes the worker check the config before the next cycle.
	revalidate atomic.Bool

	// Owned by the worker.
	set       *loadedSet
	cnn       tracker
	proto     tracker
	multi     tracker
	heat      *heatmap.Engine
	verifying bool
	okStreak  int
}

// NewScheduler returns a stopped scheduler with the default configuration.
func NewScheduler(opts Options) *Scheduler {
	if opts.Backend == nil {
		opts.Backend = npu.Unavailable{Reason: "no backend configured"}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Pipeline == nil {
		opts.Pipeline = preprocess.NewPipeline(nil)
	}
	if opts.Pipeline.Clock == nil {
		opts.Pipeline = opts.Pipeline.WithClock(opts.Clock)
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	s := &Scheduler{
		opts:    opts,
		mailbox: NewMailbox(),
		cfg:     config.DefaultDetectionConfig(),
		state:   DetectionState{Status: StatusDisabled},
		heat:    heatmap.NewEngine(),
	}
	s.frames = opts.Frames
	if s.frames == nil {
		s.frames = s.mailbox
	}
	s.runner = npu.NewRunner(opts.Backend, opts.Clock)
	s.runner.Reclaim = opts.Reclaim
	s.revalidate.Store(true)
	return s
}

// Config returns a copy of the configuration.
func (s *Scheduler) Config() config.DetectionConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.Clone()
}

// SetConfig replaces the configuration. It applies from the next cycle,
// which first validates it. The model set is reopened only when its name
// changes.
func (s *Scheduler) SetConfig(cfg config.DetectionConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg.Clone()
	s.cfgMu.Unlock()
	s.revalidate.Store(true)
}

// State returns a copy of the published state.
func (s *Scheduler) State() DetectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// FeedFrame offers a frame to a pending request of the built-in mailbox.
func (s *Scheduler) FeedFrame(f Frame) bool {
	return s.mailbox.Push(f)
}

// FrameWanted reports whether the worker waits for a frame.
func (s *Scheduler) FrameWanted() bool {
	return s.mailbox.Wanted()
}

// Reload makes the next cycle reopen the model set and its prototypes.
func (s *Scheduler) Reload() {
	s.reload.Store(true)
	s.revalidate.Store(true)
}

// RequestPrototypes queues a prototype computation for the worker.
func (s *Scheduler) RequestPrototypes(req prototype.Request) error {
	if s.opts.Prototypes == nil {
		return fmt.Errorf("prototype computation is not configured")
	}
	return s.opts.Prototypes.Submit(req)
}

// PrototypeProgress returns the progress of the current or last computation.
func (s *Scheduler) PrototypeProgress() prototype.Progress {
	if s.opts.Prototypes == nil {
		return prototype.Progress{Phase: prototype.PhaseIdle}
	}
	return s.opts.Prototypes.Progress()
}

// CancelPrototypes stops the current computation at its next checkpoint.
func (s *Scheduler) CancelPrototypes() {
	if s.opts.Prototypes != nil {
		s.opts.Prototypes.Cancel()
	}
}

// Start validates the configuration and spawns the worker. An enabled
// configuration whose models cannot be resolved refuses detection with
// StatusError until a later config validates; the worker still serves
// prototype requests meanwhile.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already running")
	}

	if !s.opts.Backend.Available() {
		s.publish(StatusNoAccelerator, s.unavailableReason())
	} else if cfg := s.Config(); cfg.Enabled {
		s.revalidate.Store(false)
		if err := s.validate(cfg); err != nil {
			s.revalidate.Store(true)
			s.publish(StatusError, err.Error())
		} else {
			s.publish(StatusIdle, "")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	monitoring.Logf("[FaultDetect] started (backend %s)", s.opts.Backend.Name())
	return nil
}

// Stop cancels the worker and waits for it to exit.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
	s.done = nil
	s.publish(StatusDisabled, "")
	monitoring.Logf("[FaultDetect] stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		s.step(ctx)
	}
}

func (s *Scheduler) unavailableReason() string {
	if u, ok := s.opts.Backend.(npu.Unavailable); ok && u.Reason != "" {
		return "accelerator unavailable: " + u.Reason
	}
	return "accelerator unavailable"
}

// validate checks that every enabled model of cfg resolves.
func (s *Scheduler) validate(cfg config.DetectionConfig) error {
	set, err := s.ensureSet(cfg.ModelSet)
	if err != nil {
		return err
	}
	allowed := strategyOf(cfg).Allowed(cfg.EnabledModels())
	if allowed.Count() == 0 {
		return fmt.Errorf("no model is enabled")
	}
	for _, m := range []fusion.Model{fusion.CNN, fusion.ProtoNet, fusion.Multiclass} {
		if !allowed.Has(m) {
			continue
		}
		if _, err := set.ms.Path(kindOf(m)); err != nil {
			return fmt.Errorf("%s enabled but %w", m, err)
		}
		if m == fusion.ProtoNet && set.proto == nil {
			return fmt.Errorf("protonet enabled but model set %s has no prototypes", set.ms.Name)
		}
	}
	return nil
}

func strategyOf(cfg config.DetectionConfig) fusion.Strategy {
	if cfg.Strategy == "" {
		return fusion.DefaultStrategy
	}
	return cfg.Strategy
}

func kindOf(m fusion.Model) modelset.Kind {
	switch m {
	case fusion.CNN:
		return modelset.CNN
	case fusion.ProtoNet:
		return modelset.ProtoNet
	}
	return modelset.Multiclass
}

// ensureSet returns the loaded model set, reopening it when the name
// changed or a reload was requested. Every reopen resets the trackers.
func (s *Scheduler) ensureSet(name string) (*loadedSet, error) {
	if s.reload.Swap(false) {
		s.set = nil
	}
	if s.set != nil && s.set.ms.Name == name {
		return s.set, nil
	}
	if name == "" {
		return nil, fmt.Errorf("no model set configured")
	}
	if s.opts.Models == nil {
		return nil, fmt.Errorf("no model catalog configured")
	}
	ms, err := s.opts.Models.Open(name)
	if err != nil {
		return nil, err
	}
	ls := &loadedSet{ms: ms}
	for _, k := range []modelset.Kind{modelset.ProtoNet, modelset.SpatialFine, modelset.SpatialCoarse} {
		if !ms.Has(k) {
			continue
		}
		p, err := ms.LoadPrototypes(k)
		if err != nil {
			return nil, err
		}
		sc, err := heatmap.NewScorer(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		switch k {
		case modelset.ProtoNet:
			ls.proto = sc
		case modelset.SpatialFine:
			ls.fine = sc
		case modelset.SpatialCoarse:
			ls.coarse = sc
		}
	}
	s.set = ls
	s.resetTracking()
	monitoring.Logf("[FaultDetect] model set %s loaded (protonet=%t fine=%t coarse=%t)",
		ms.Label(), ls.proto != nil, ls.fine != nil, ls.coarse != nil)
	return ls, nil
}

// resetTracking drops all temporal state.
func (s *Scheduler) resetTracking() {
	s.cnn.ema.Reset()
	s.proto.ema.Reset()
	s.multi.ema.Reset()
	s.heat.Reset()
}

// publish sets the status and error message. Status changes outside the
// normal cycle stages are recorded.
func (s *Scheduler) publish(st Status, msg string) {
	s.stateMu.Lock()
	changed := s.state.Status != st
	s.state.Status = st
	s.state.ErrorMsg = msg
	s.stateMu.Unlock()

	monitoring.SetStatus(string(st), statusNames())
	if !changed {
		return
	}
	if msg != "" {
		monitoring.Logf("[FaultDetect] %s: %s", st, msg)
	}
	if s.opts.Recorder != nil && !st.stage() {
		ev := history.Event{Kind: history.KindStatus, Status: string(st), Message: msg, Time: s.opts.Clock.Now()}
		if err := s.opts.Recorder.Record(context.Background(), ev); err != nil {
			monitoring.Logf("[FaultDetect] failed to record status: %v", err)
		}
	}
}

func (s *Scheduler) restore(prev DetectionState) {
	s.stateMu.Lock()
	s.state.Status = prev.Status
	s.state.ErrorMsg = prev.ErrorMsg
	s.stateMu.Unlock()
	monitoring.SetStatus(string(prev.Status), statusNames())
}

func skipped(reason string) {
	monitoring.SkippedCycles.WithLabelValues(reason).Inc()
}

// step runs one iteration of the worker loop.
func (s *Scheduler) step(ctx context.Context) {
	if !s.opts.Backend.Available() {
		s.publish(StatusNoAccelerator, s.unavailableReason())
		_ = timeutil.Sleep(ctx, s.opts.Clock, IdleWait)
		return
	}

	if s.opts.Prototypes != nil && s.opts.Prototypes.Pending() {
		s.publish(StatusPrototypePending, "")
		ran, err := s.opts.Prototypes.RunPending(ctx)
		if ran {
			s.set = nil
			s.resetTracking()
			s.revalidate.Store(true)
		}
		if err != nil && !errors.Is(err, prototype.ErrCancelled) {
			monitoring.Logf("[FaultDetect] prototype computation failed: %v", err)
		}
		s.publish(StatusIdle, "")
		return
	}

	// Swapped before the read so a concurrent SetConfig is never missed.
	check := s.revalidate.Swap(false)
	cfg := s.Config()
	monitoring.SetDebug(cfg.DebugLogging)
	if !cfg.Enabled {
		if check {
			s.revalidate.Store(true)
		}
		s.publish(StatusDisabled, "")
		_ = timeutil.Sleep(ctx, s.opts.Clock, IdleWait)
		return
	}

	if check {
		if err := s.validate(cfg); err != nil {
			s.revalidate.Store(true)
			s.publish(StatusError, err.Error())
			skipped("invalid_config")
			_ = timeutil.Sleep(ctx, s.opts.Clock, IdleWait)
			return
		}
		if s.State().Status == StatusError {
			s.publish(StatusIdle, "")
		}
	}
	if st := s.State(); st.Status == StatusPublished || st.Status == StatusDisabled || st.Status == StatusNoAccelerator {
		s.publish(StatusIdle, "")
	}
	interval := cfg.Interval
	if s.verifying {
		interval = cfg.VerifyInterval
	}
	if err := timeutil.Sleep(ctx, s.opts.Clock, interval); err != nil {
		return
	}

	if s.opts.EncoderBusy != nil && s.opts.EncoderBusy() {
		skipped("encoder_busy")
		return
	}
	if s.opts.Memory != nil && cfg.MinFreeMemMB > 0 {
		mb, err := s.opts.Memory.AvailableMB()
		if err == nil && mb < cfg.MinFreeMemMB {
			s.publish(StatusMemoryLow, "")
			skipped("memory_low")
			return
		}
	}

	prev := s.State()
	s.publish(StatusAwaitingFrame, "")
	frame, err := s.frames.RequestFrame(ctx, s.opts.FrameTimeout)
	if err != nil {
		s.restore(prev)
		skipped("no_frame")
		return
	}

	res, err := s.cycle(ctx, cfg, frame)
	switch {
	case err == nil:
		s.publishResult(cfg, res)
	case ctx.Err() != nil:
		return
	case npu.IsRetryable(err):
		monitoring.Logf("[FaultDetect] accelerator allocation failed, skipping cycle: %v", err)
		s.publish(StatusMemoryLow, "")
		skipped("npu_alloc")
	default:
		s.publish(StatusError, err.Error())
		skipped("error")
	}
}

// publishResult stores res and drives hysteresis, alerts and recording.
func (s *Scheduler) publishResult(cfg config.DetectionConfig, res DetectionResult) {
	s.stateMu.Lock()
	s.state.Status = StatusPublished
	s.state.ErrorMsg = ""
	s.state.Last = &res
	s.state.LastCheck = res.Time
	s.state.Cycles++
	s.stateMu.Unlock()
	monitoring.SetStatus(string(StatusPublished), statusNames())
	monitoring.Cycles.WithLabelValues(string(res.Verdict)).Inc()
	monitoring.CycleDuration.Observe(res.Timings.Total.Seconds())

	if res.Fault() {
		s.verifying = true
		s.okStreak = 0
	} else if s.verifying {
		s.okStreak++
		if s.okStreak >= VerifyCycles {
			s.verifying = false
			s.okStreak = 0
		}
	}

	if !res.Fault() {
		return
	}
	monitoring.Logf("[FaultDetect] FAULT %s conf=%.2f strategy=%s boost=%d",
		res.Label, res.Confidence, res.Strategy, res.BoostPath)
	if cfg.BeepPattern > 0 && !cfg.SetupMode && s.opts.Alerter != nil {
		s.opts.Alerter.Alert(cfg.BeepPattern)
	}
	if s.opts.Recorder != nil {
		ev := history.Event{
			Time:       res.Time,
			Kind:       history.KindResult,
			Status:     string(StatusPublished),
			Verdict:    string(res.Verdict),
			Confidence: res.Confidence,
			Label:      res.Label,
			BoostPath:  res.BoostPath,
			ModelSet:   res.ModelSet,
			Strategy:   res.Strategy,
		}
		if res.Heatmap != nil {
			ev.HeatmapMax, ev.HeatmapX, ev.HeatmapY = res.Heatmap.Max, res.Heatmap.MaxX, res.Heatmap.MaxY
		}
		if err := s.opts.Recorder.Record(context.Background(), ev); err != nil {
			monitoring.Logf("[FaultDetect] failed to record result: %v", err)
		}
	}
}
