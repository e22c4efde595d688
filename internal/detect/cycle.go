package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/config"
	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/heatmap"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
	"github.com/rinkhals-tools/faultwatch/internal/regionmask"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

// cycleRun carries the accelerator bookkeeping of one cycle.
type cycleRun struct {
	s     *Scheduler
	set   *loadedSet
	input []byte
	crop  preprocess.Rect
	pace  time.Duration
	runs  int
	spent time.Duration
}

// infer runs model kind k, pacing consecutive accelerator runs.
func (c *cycleRun) infer(ctx context.Context, k modelset.Kind) (npu.Output, time.Duration, error) {
	path, err := c.set.ms.Path(k)
	if err != nil {
		return npu.Output{}, 0, err
	}
	if c.runs > 0 && c.pace > 0 {
		if err := timeutil.Sleep(ctx, c.s.opts.Clock, c.pace); err != nil {
			return npu.Output{}, 0, err
		}
	}
	c.runs++
	start := c.s.opts.Clock.Now()
	out, err := c.s.runner.Run(ctx, path, c.input)
	d := c.s.opts.Clock.Since(start)
	c.spent += d
	if err != nil {
		return npu.Output{}, d, fmt.Errorf("%s: %w", k, err)
	}
	return out, d, nil
}

// missing reports whether err is a model file that vanished after the set was
// loaded. Such a model sits out the cycle.
func missing(k modelset.Kind, err error) bool {
	if !errors.Is(err, modelset.ErrModelNotFound) {
		return false
	}
	monitoring.Debugf("[FaultDetect] %s unavailable this cycle: %v", k, err)
	return true
}

// cycle evaluates one frame.
func (s *Scheduler) cycle(ctx context.Context, cfg config.DetectionConfig, frame Frame) (DetectionResult, error) {
	start := s.opts.Clock.Now()
	set, err := s.ensureSet(cfg.ModelSet)
	if err != nil {
		return DetectionResult{}, err
	}
	strategy := strategyOf(cfg)
	profile := cfg.ResolveProfile(set.ms.Profile(cfg.ThresholdProfile))
	allowed := strategy.Allowed(cfg.EnabledModels())
	alpha := profile.GetEMAAlpha()

	s.publish(StatusPreprocessing, "")
	pre, err := s.opts.Pipeline.Process(frame.Data, frame.Width, frame.Height, set.ms.Grayscale())
	if err != nil {
		return DetectionResult{}, fmt.Errorf("preprocess: %w", err)
	}

	res := DetectionResult{
		Strategy: string(strategy),
		Crop:     pre.Crop,
		ModelSet: set.ms.Label(),
		Timings: Timings{
			Decode:     pre.DecodeTime,
			Preprocess: pre.DecodeTime + pre.ResizeTime,
		},
	}
	run := &cycleRun{s: s, set: set, input: pre.Tensor.Pix, crop: pre.Crop, pace: cfg.Pace}
	var votes fusion.Input

	s.publish(StatusInferring, "")
	if allowed.ProtoNet && set.proto != nil {
		out, d, err := run.infer(ctx, modelset.ProtoNet)
		switch {
		case missing(modelset.ProtoNet, err):
		case err != nil:
			return DetectionResult{}, err
		default:
			raw, err := protoScore(out, set.proto)
			if err != nil {
				return DetectionResult{}, err
			}
			votes.ProtoNet = s.proto.vote(raw, alpha, profile.GetProtoThreshold(), fusion.MarginLow, fusion.MarginHigh)
			res.ProtoNet = outputOf(votes.ProtoNet, raw)
			res.ProtoNet.Duration = d
		}
	}

	if allowed.CNN {
		out, d, err := run.infer(ctx, modelset.CNN)
		switch {
		case missing(modelset.CNN, err):
		case err != nil:
			return DetectionResult{}, err
		default:
			raw, err := cnnScore(out)
			if err != nil {
				return DetectionResult{}, err
			}
			th := strategy.CNNThreshold(profile.GetCNNThreshold(), profile.GetCNNGatedThreshold(),
				profile.GetProtoGateTrigger(), votes.ProtoNet)
			votes.CNN = s.cnn.vote(raw, alpha, th, fusion.ProbabilityLow, fusion.ProbabilityHigh)
			res.CNN = outputOf(votes.CNN, raw)
			res.CNN.Duration = d
		}
	}

	heatReady := cfg.HeatmapEnabled && (set.fine != nil || set.coarse != nil)
	runMulti := func() error {
		out, d, err := run.infer(ctx, modelset.Multiclass)
		if err != nil {
			return err
		}
		raw, label, err := multiScore(out, set.ms.FaultClasses())
		if err != nil {
			return err
		}
		th := profile.GetMultiThreshold(strategy.IsVerifyStyle())
		votes.Multiclass = s.multi.vote(raw, alpha, th, fusion.ProbabilityLow, fusion.ProbabilityHigh)
		res.Multiclass = outputOf(votes.Multiclass, raw)
		res.Multiclass.Duration = d
		res.Label = label
		return nil
	}
	primaryFault := votes.CNN.Fault || votes.ProtoNet.Fault
	if allowed.Multiclass && strategy.ShouldRunMulticlass(primaryFault, heatReady) {
		if err := runMulti(); err != nil && !missing(modelset.Multiclass, err) {
			return DetectionResult{}, err
		}
	}
	if run.runs == 0 {
		return DetectionResult{}, fmt.Errorf("no enabled model is available in %s", set.ms.Label())
	}

	s.publish(StatusFusing, "")
	wc, wp, wm := profile.GetWeights()
	votes.Weights = fusion.Weights{CNN: wc, ProtoNet: wp, Multiclass: wm}
	d := fusion.Fuse(strategy, votes)
	res.Agreement, res.Voters = d.Agreement, d.Voters
	fault, confidence := d.Fault, d.Confidence

	if heatReady {
		hstart := s.opts.Clock.Now()
		hm, err := s.computeHeatmap(ctx, run, cfg, profile)
		if err != nil {
			return DetectionResult{}, err
		}
		res.Timings.Heatmap = s.opts.Clock.Since(hstart)
		if hm != nil {
			res.Heatmap = hm
			params := boostParams(profile)
			path := heatmap.EvaluateBoost(heatmap.BoostInput{
				Strategy:    strategy,
				Fault:       fault,
				Max:         hm.Max,
				StrongCells: hm.StrongCells,
				Votes:       votes,
			}, params)
			if path != heatmap.PathNone {
				if !votes.Multiclass.Ran && allowed.Multiclass {
					if err := runMulti(); err != nil && !missing(modelset.Multiclass, err) {
						monitoring.Logf("[FaultDetect] multiclass label after boost failed: %v", err)
					}
				}
				fault = true
				confidence = heatmap.BoostConfidence(hm.Max, votes, params)
				res.Boosted, res.BoostPath = true, path
				monitoring.Boosts.WithLabelValues(strconv.Itoa(path)).Inc()
				monitoring.Debugf("[FaultDetect] heatmap boost path %d max=%.3f strong=%d", path, hm.Max, hm.StrongCells)
			}
		}
	}

	res.Verdict = VerdictOK
	if fault {
		res.Verdict = VerdictFault
	} else {
		res.Label = ""
	}
	res.Confidence = confidence
	res.Timings.Inference = run.spent
	res.Time = s.opts.Clock.Now()
	res.Timings.Total = res.Time.Sub(start)
	monitoring.Debugf("[FaultDetect] %s conf=%.3f cnn=%.3f proto=%.3f multi=%.3f agree=%d/%d",
		res.Verdict, res.Confidence, votes.CNN.Score, votes.ProtoNet.Score, votes.Multiclass.Score, d.Agreement, d.Voters)
	return res, nil
}

// computeHeatmap runs the spatial encoders and updates the smoothed grid. It
// returns nil when no scale produced a grid.
func (s *Scheduler) computeHeatmap(ctx context.Context, run *cycleRun, cfg config.DetectionConfig, profile config.ThresholdProfile) (*HeatmapResult, error) {
	in := heatmap.Inputs{
		FineScorer:    run.set.fine,
		CoarseScorer:  run.set.coarse,
		CoarseWeight:  profile.GetCoarseWeight(),
		EMAAlpha:      profile.GetHeatmapEMAAlpha(),
		CellThreshold: profile.GetCellThreshold(),
		Region:        heatmap.Region{Mask: s.activeMask(cfg), Rows: cfg.MaskRows, Cols: cfg.MaskCols, Crop: run.crop},
	}
	for _, k := range []modelset.Kind{modelset.SpatialFine, modelset.SpatialCoarse} {
		if (k == modelset.SpatialFine && in.FineScorer == nil) || (k == modelset.SpatialCoarse && in.CoarseScorer == nil) {
			continue
		}
		out, _, err := run.infer(ctx, k)
		if missing(k, err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		emb, err := heatmap.EmbeddingsFromOutput(out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if k == modelset.SpatialFine {
			in.Fine = emb
		} else {
			in.Coarse = emb
		}
	}

	r, ok, err := s.heat.Compute(in)
	if err != nil || !ok {
		return nil, err
	}
	a := r.Analysis
	return &HeatmapResult{
		Rows:        r.Grid.Rows,
		Cols:        r.Grid.Cols,
		Cells:       r.Grid.Cells,
		Max:         a.Max,
		MaxRow:      a.MaxRow,
		MaxCol:      a.MaxCol,
		MaxX:        a.MaxX,
		MaxY:        a.MaxY,
		StrongCells: a.StrongCells,
	}, nil
}

// activeMask picks the region mask for the current height.
func (s *Scheduler) activeMask(cfg config.DetectionConfig) regionmask.Mask {
	if cfg.SetupMode {
		return regionmask.AllOnes(cfg.MaskRows * cfg.MaskCols)
	}
	var h float64
	var known bool
	if s.opts.Height != nil {
		h, known = s.opts.Height.Height()
	}
	return cfg.ZMasks.Resolve(h, known, cfg.StaticMask)
}

func boostParams(p config.ThresholdProfile) heatmap.BoostParams {
	return heatmap.BoostParams{
		BoostThreshold:       p.GetBoostThreshold(),
		CorroborateThreshold: p.GetCorroborateThreshold(),
		MinStrongCells:       p.GetMinStrongCells(),
		LeanFactor:           p.GetLeanFactor(),
		ProtoVetoMargin:      p.GetProtoVetoMargin(),
		Gain:                 p.GetBoostGain(),
		ConfidenceCap:        p.GetBoostConfidenceCap(),
		FallbackFloor:        p.GetBoostFallbackFloor(),
	}
}
