package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMA_FirstValueSeeds(t *testing.T) {
	t.Parallel()

	e := EMA{Alpha: 0.3}
	_, primed := e.Value()
	assert.False(t, primed)

	assert.Equal(t, 0.8, e.Update(0.8))
	assert.InDelta(t, 0.3*0.2+0.7*0.8, e.Update(0.2), 1e-12)

	e.Reset()
	assert.Equal(t, 0.1, e.Update(0.1))
}

func TestEMA_ConvergesMonotonically(t *testing.T) {
	t.Parallel()

	for _, start := range []float64{0, 0.2, 1, -3} {
		e := EMA{Alpha: 0.25}
		e.Update(start)
		const target = 0.6
		prev := abs(start - target)
		for i := 0; i < 200; i++ {
			d := abs(e.Update(target) - target)
			assert.LessOrEqual(t, d, prev)
			prev = d
		}
		assert.Less(t, prev, 1e-9)
	}
}

func TestEMA_NoSmoothing(t *testing.T) {
	t.Parallel()

	for _, a := range []float64{0, -1, 1.5, 1} {
		e := EMA{Alpha: a}
		e.Update(0.1)
		assert.Equal(t, 0.9, e.Update(0.9), "alpha %f", a)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
