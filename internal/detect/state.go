// Package detect runs the detection cycle: it acquires frames, drives the
// classifier adapters and the heatmap engine, fuses their votes and
// publishes the result.
package detect

import (
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/preprocess"
)

// Status is the published scheduler state.
type Status string

const (
	StatusDisabled         Status = "disabled"
	StatusIdle             Status = "idle"
	StatusPrototypePending Status = "prototype_pending"
	StatusAwaitingFrame    Status = "awaiting_frame"
	StatusPreprocessing    Status = "preprocessing"
	StatusInferring        Status = "inferring"
	StatusFusing           Status = "fusing"
	StatusPublished        Status = "published"
	StatusError            Status = "error"
	StatusNoAccelerator    Status = "no_accelerator"
	StatusMemoryLow        Status = "memory_low"
)

// Statuses lists every status, for the metrics gauge.
var Statuses = []Status{
	StatusDisabled, StatusIdle, StatusPrototypePending, StatusAwaitingFrame, StatusPreprocessing,
	StatusInferring, StatusFusing, StatusPublished, StatusError, StatusNoAccelerator, StatusMemoryLow,
}

func statusNames() []string {
	out := make([]string, len(Statuses))
	for i, s := range Statuses {
		out[i] = string(s)
	}
	return out
}

// stage reports the per-cycle statuses that are not worth recording.
func (s Status) stage() bool {
	switch s {
	case StatusIdle, StatusAwaitingFrame, StatusPreprocessing, StatusInferring, StatusFusing, StatusPublished, StatusPrototypePending:
		return true
	}
	return false
}

// Verdict is the binary classification.
type Verdict string

const (
	VerdictOK    Verdict = "OK"
	VerdictFault Verdict = "FAULT"
)

// ModelOutput is one adapter's contribution to a cycle.
type ModelOutput struct {
	Ran        bool          `json:"ran"`
	Fault      bool          `json:"fault"`
	Raw        float64       `json:"raw"`
	Score      float64       `json:"score"`
	Likelihood float64       `json:"likelihood"`
	Threshold  float64       `json:"threshold"`
	Duration   time.Duration `json:"duration"`
}

// HeatmapResult is the smoothed grid of a cycle.
type HeatmapResult struct {
	Rows        int       `json:"rows"`
	Cols        int       `json:"cols"`
	Cells       []float64 `json:"cells"`
	Max         float64   `json:"max"`
	MaxRow      int       `json:"max_row"`
	MaxCol      int       `json:"max_col"`
	MaxX        float64   `json:"max_x"`
	MaxY        float64   `json:"max_y"`
	StrongCells int       `json:"strong_cells"`
}

// Timings are per-stage wall times.
type Timings struct {
	Decode     time.Duration `json:"decode"`
	Preprocess time.Duration `json:"preprocess"`
	Inference  time.Duration `json:"inference"`
	Heatmap    time.Duration `json:"heatmap"`
	Total      time.Duration `json:"total"`
}

// DetectionResult is the outcome of one cycle. It is never modified after
// being stored in a DetectionState.
type DetectionResult struct {
	Verdict    Verdict         `json:"verdict"`
	Confidence float64         `json:"confidence"`
	Label      string          `json:"label,omitempty"`
	Strategy   string          `json:"strategy"`
	Agreement  int             `json:"agreement"`
	Voters     int             `json:"voters"`
	CNN        ModelOutput     `json:"cnn"`
	ProtoNet   ModelOutput     `json:"protonet"`
	Multiclass ModelOutput     `json:"multiclass"`
	Heatmap    *HeatmapResult  `json:"heatmap,omitempty"`
	Boosted    bool            `json:"boosted"`
	BoostPath  int             `json:"boost_path"`
	Timings    Timings         `json:"timings"`
	Crop       preprocess.Rect `json:"crop"`
	ModelSet   string          `json:"model_set"`
	Time       time.Time       `json:"time"`
}

// Fault reports a FAULT verdict.
func (r *DetectionResult) Fault() bool {
	return r != nil && r.Verdict == VerdictFault
}

// DetectionState is the published snapshot.
type DetectionState struct {
	Status    Status           `json:"status"`
	Last      *DetectionResult `json:"last,omitempty"`
	LastCheck time.Time        `json:"last_check"`
	Cycles    uint64           `json:"cycles"`
	ErrorMsg  string           `json:"error,omitempty"`
}
