package detect

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/rinkhals-tools/faultwatch/internal/history"
)

// HeightSource reports the current gantry height in millimetres.
type HeightSource interface {
	Height() (mm float64, known bool)
}

// AtomicHeight is a HeightSource written by a position tracker.
type AtomicHeight struct {
	bits  atomic.Uint64
	known atomic.Bool
}

// Set records a known height.
func (h *AtomicHeight) Set(mm float64) {
	h.bits.Store(math.Float64bits(mm))
	h.known.Store(true)
}

// Forget marks the height unknown, e.g. after homing.
func (h *AtomicHeight) Forget() {
	h.known.Store(false)
}

func (h *AtomicHeight) Height() (float64, bool) {
	if !h.known.Load() {
		return 0, false
	}
	return math.Float64frombits(h.bits.Load()), true
}

// Alerter fires the physical alert. Calls must not block; rate limiting is
// the implementation's concern.
type Alerter interface {
	Alert(pattern int)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(pattern int)

func (f AlertFunc) Alert(pattern int) { f(pattern) }

// MemoryProbe reports available system memory.
type MemoryProbe interface {
	AvailableMB() (int, error)
}

// EventRecorder persists notable results and status changes.
type EventRecorder interface {
	Record(ctx context.Context, ev history.Event) error
}
