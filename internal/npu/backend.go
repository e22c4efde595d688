// Package npu defines the contract of the neural accelerator runtime and the
// load/run/release cycle the detection engine drives it with.
package npu

import (
	"errors"
	"fmt"
)

var (
	// ErrRetryable marks transient failures such as DMA allocation failing.
	ErrRetryable = errors.New("npu: transient resource failure")
	// ErrUnavailable is returned by every call on a host without an accelerator.
	ErrUnavailable = errors.New("npu: accelerator unavailable")
)

// Output is one output tensor in NHWC order, dequantized to float32.
type Output struct {
	Shape []int
	Data  []float32
}

// Elems returns the product of the shape.
func (o Output) Elems() int {
	if len(o.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range o.Shape {
		n *= d
	}
	return n
}

// Model is a loaded network.
type Model interface {
	// InputShape is the expected height, width and channel count.
	InputShape() (h, w, c int)
	// Run executes one inference on interleaved uint8 pixels.
	Run(input []byte) (Output, error)
	Release() error
}

// Backend loads models onto the accelerator.
type Backend interface {
	Name() string
	Available() bool
	Load(path string) (Model, error)
}

// Unavailable is the backend selected on hosts without a runtime.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string    { return "unavailable" }
func (u Unavailable) Available() bool { return false }

func (u Unavailable) Load(path string) (Model, error) {
	if u.Reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
	}
	return nil, ErrUnavailable
}

// Retryable wraps err so errors.Is(err, ErrRetryable) holds.
func Retryable(err error) error {
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

// IsRetryable reports whether err is a transient resource failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
