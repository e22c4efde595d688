package npu

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
)

// MockFunc produces the output of a mock model.
type MockFunc func(path string, input []byte) (Output, error)

// MockBackend is an in-process Backend for tests and bench runs without an
// accelerator. Handlers are keyed by model file base name.
type MockBackend struct {
	mu       sync.Mutex
	handlers map[string]MockFunc
	fallback MockFunc
	h, w, c  int
	failLoad []error
	failRun  []error
	loads    []string
	live     int
}

// NewMockBackend returns a mock whose models take h x w x c inputs.
// Zero dimensions disable the input size check.
func NewMockBackend(h, w, c int) *MockBackend {
	return &MockBackend{handlers: map[string]MockFunc{}, h: h, w: w, c: c}
}

func (m *MockBackend) Name() string    { return "mock" }
func (m *MockBackend) Available() bool { return true }

// Handle registers f for models whose file base name is name.
func (m *MockBackend) Handle(name string, f MockFunc) {
	m.mu.Lock()
	m.handlers[name] = f
	m.mu.Unlock()
}

// HandleDefault registers f for every model without a named handler.
func (m *MockBackend) HandleDefault(f MockFunc) {
	m.mu.Lock()
	m.fallback = f
	m.mu.Unlock()
}

// FailNextLoads queues errors returned by the next Load calls.
func (m *MockBackend) FailNextLoads(errs ...error) {
	m.mu.Lock()
	m.failLoad = append(m.failLoad, errs...)
	m.mu.Unlock()
}

// FailNextRuns queues errors returned by the next Run calls.
func (m *MockBackend) FailNextRuns(errs ...error) {
	m.mu.Lock()
	m.failRun = append(m.failRun, errs...)
	m.mu.Unlock()
}

// Loads returns the base names of every successfully loaded model, in order.
func (m *MockBackend) Loads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loads...)
}

// Live returns the number of loaded models not yet released.
func (m *MockBackend) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *MockBackend) Load(path string) (Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failLoad) > 0 {
		err := m.failLoad[0]
		m.failLoad = m.failLoad[1:]
		return nil, err
	}
	name := filepath.Base(path)
	f, ok := m.handlers[name]
	if !ok {
		f = m.fallback
	}
	if f == nil {
		return nil, fmt.Errorf("mock: no handler for %s", name)
	}
	m.loads = append(m.loads, name)
	m.live++
	return &mockModel{backend: m, path: path, fn: f}, nil
}

type mockModel struct {
	backend  *MockBackend
	path     string
	fn       MockFunc
	released bool
}

func (mm *mockModel) InputShape() (int, int, int) {
	return mm.backend.h, mm.backend.w, mm.backend.c
}

func (mm *mockModel) Run(input []byte) (Output, error) {
	mm.backend.mu.Lock()
	if len(mm.backend.failRun) > 0 {
		err := mm.backend.failRun[0]
		mm.backend.failRun = mm.backend.failRun[1:]
		mm.backend.mu.Unlock()
		return Output{}, err
	}
	mm.backend.mu.Unlock()
	return mm.fn(mm.path, input)
}

func (mm *mockModel) Release() error {
	mm.backend.mu.Lock()
	defer mm.backend.mu.Unlock()
	if mm.released {
		return fmt.Errorf("mock: %s released twice", filepath.Base(mm.path))
	}
	mm.released = true
	mm.backend.live--
	return nil
}

// Vector returns a fixed [1, len(v)] output.
func Vector(v ...float32) MockFunc {
	return func(string, []byte) (Output, error) {
		return Output{Shape: []int{1, len(v)}, Data: append([]float32(nil), v...)}, nil
	}
}

// Grid returns a fixed [1, h, w, d] output.
func Grid(h, w, d int, data []float32) MockFunc {
	return func(string, []byte) (Output, error) {
		if len(data) != h*w*d {
			return Output{}, fmt.Errorf("mock grid: %d values for %dx%dx%d", len(data), h, w, d)
		}
		return Output{Shape: []int{1, h, w, d}, Data: append([]float32(nil), data...)}, nil
	}
}

// Synthetic produces deterministic outputs from the mean input brightness,
// choosing the output layout from the model file name. Used for bench runs.
func Synthetic(dim int) MockFunc {
	return func(path string, input []byte) (Output, error) {
		mean := 0.0
		for _, b := range input {
			mean += float64(b)
		}
		if len(input) > 0 {
			mean /= float64(len(input)) * 255
		}
		name := strings.ToLower(filepath.Base(path))
		switch {
		case strings.Contains(name, "spatial"):
			gh, gw := 7, 7
			if strings.Contains(name, "fine") {
				gh, gw = 14, 14
			}
			data := make([]float32, gh*gw*dim)
			for i := range data {
				data[i] = float32(math.Sin(float64(i%dim)*0.7 + mean))
			}
			return Output{Shape: []int{1, gh, gw, dim}, Data: data}, nil
		case strings.Contains(name, "protonet"):
			data := make([]float32, dim)
			for i := range data {
				data[i] = float32(math.Sin(float64(i)*0.7 + mean))
			}
			return Output{Shape: []int{1, dim}, Data: data}, nil
		case strings.Contains(name, "multiclass"):
			data := []float32{0, 0, 0, float32(mean * 2), 2, 0, 0}
			return Output{Shape: []int{1, len(data)}, Data: data}, nil
		default:
			return Output{Shape: []int{1, 2}, Data: []float32{float32(mean*4 - 2), 0}}, nil
		}
	}
}
