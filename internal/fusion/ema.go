package fusion

// EMA is an exponential moving average. The first update seeds the value.
// Alpha outside (0, 1] disables smoothing.
type EMA struct {
	Alpha  float64
	value  float64
	primed bool
}

// Update feeds v and returns the smoothed value.
func (e *EMA) Update(v float64) float64 {
	if !e.primed || e.Alpha <= 0 || e.Alpha > 1 {
		e.value = v
		e.primed = true
		return v
	}
	e.value = e.Alpha*v + (1-e.Alpha)*e.value
	return e.value
}

// Value returns the current value and whether any update has been seen.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.primed
}

// Reset forgets all history.
func (e *EMA) Reset() {
	e.value = 0
	e.primed = false
}
