package detect

import (
	"fmt"
	"math"

	"github.com/rinkhals-tools/faultwatch/internal/fusion"
	"github.com/rinkhals-tools/faultwatch/internal/heatmap"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
)

// Softmax converts logits to probabilities.
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := math.Inf(-1)
	for _, v := range logits {
		maxV = math.Max(maxV, float64(v))
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// cnnScore returns the fault probability of a binary classifier: softmax
// index 0, or the value itself for a single-output head.
func cnnScore(out npu.Output) (float64, error) {
	switch len(out.Data) {
	case 0:
		return 0, fmt.Errorf("cnn produced no output")
	case 1:
		return math.Max(0, math.Min(1, float64(out.Data[0]))), nil
	}
	return Softmax(out.Data)[0], nil
}

// protoScore returns the prototype margin of the classification embedding.
func protoScore(out npu.Output, scorer *heatmap.Scorer) (float64, error) {
	if len(out.Data) != scorer.Dim() {
		return 0, fmt.Errorf("protonet embedding has %d values, prototypes have %d", len(out.Data), scorer.Dim())
	}
	v := make([]float64, len(out.Data))
	for i, x := range out.Data {
		v[i] = float64(x)
	}
	return scorer.Margin(v), nil
}

// multiScore returns 1 - p(success) and the most likely fault category.
func multiScore(out npu.Output, classes []string) (float64, string, error) {
	if len(out.Data) < 2 {
		return 0, "", fmt.Errorf("multiclass produced %d outputs", len(out.Data))
	}
	p := Softmax(out.Data)
	success := -1
	for i, c := range classes {
		if c == modelset.SuccessLabel && i < len(p) {
			success = i
		}
	}
	if success < 0 {
		return 0, "", fmt.Errorf("multiclass label table has no %q entry within %d outputs", modelset.SuccessLabel, len(p))
	}

	best := -1
	for i := range p {
		if i != success && (best < 0 || p[i] > p[best]) {
			best = i
		}
	}
	label := fmt.Sprintf("class %d", best)
	if best < len(classes) {
		label = classes[best]
	}
	return 1 - p[success], label, nil
}

// tracker smooths one adapter's raw score across cycles.
type tracker struct {
	ema fusion.EMA
}

// vote smooths raw and thresholds the result.
func (t *tracker) vote(raw, alpha, threshold, lo, hi float64) fusion.Vote {
	t.ema.Alpha = alpha
	return fusion.NewVote(t.ema.Update(raw), threshold, lo, hi)
}

func outputOf(v fusion.Vote, raw float64) ModelOutput {
	return ModelOutput{
		Ran:        v.Ran,
		Fault:      v.Fault,
		Raw:        raw,
		Score:      v.Score,
		Likelihood: v.Likelihood,
		Threshold:  v.Threshold,
	}
}
