package detect

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinkhals-tools/faultwatch/internal/heatmap"
	"github.com/rinkhals-tools/faultwatch/internal/modelset"
	"github.com/rinkhals-tools/faultwatch/internal/npu"
)

func TestMailbox_DropsUnrequestedFrames(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	assert.False(t, m.Wanted())
	assert.False(t, m.Push(Frame{Data: []byte{1}}))
}

func TestMailbox_HandsOffCopy(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	type result struct {
		f   Frame
		err error
	}
	got := make(chan result, 1)
	go func() {
		f, err := m.RequestFrame(context.Background(), 5*time.Second)
		got <- result{f, err}
	}()

	require.Eventually(t, m.Wanted, time.Second, time.Millisecond)
	buf := []byte{1, 2, 3}
	require.True(t, m.Push(Frame{Data: buf, Width: 640, Height: 480}))
	buf[0] = 9

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, []byte{1, 2, 3}, r.f.Data)
	assert.Equal(t, 640, r.f.Width)
	assert.False(t, m.Wanted())
	assert.False(t, m.Push(Frame{Data: buf}), "one frame per request")
}

func TestMailbox_Timeout(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	_, err := m.RequestFrame(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrFrameTimeout)
	assert.False(t, m.Wanted())
}

func TestMailbox_ContextCancel(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RequestFrame(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSoftmax(t *testing.T) {
	t.Parallel()

	p := Softmax([]float32{0, float32(math.Log(4))})
	require.Len(t, p, 2)
	assert.InDelta(t, 0.2, p[0], 1e-6)
	assert.InDelta(t, 0.8, p[1], 1e-6)

	big := Softmax([]float32{1000, 1000})
	assert.InDelta(t, 0.5, big[0], 1e-12, "stable for large logits")
	assert.Empty(t, Softmax(nil))
}

func TestCNNScore(t *testing.T) {
	t.Parallel()

	s, err := cnnScore(npu.Output{Data: []float32{1.7}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s, "single output is clamped")

	s, err = cnnScore(npu.Output{Data: []float32{float32(math.Log(4)), 0}})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, s, 1e-6)

	_, err = cnnScore(npu.Output{})
	assert.Error(t, err)
}

func TestProtoScore(t *testing.T) {
	t.Parallel()

	sc, err := heatmap.NewScorer(modelset.Prototypes{Fault: []float32{1, 0}, OK: []float32{0, 1}, Normalized: true})
	require.NoError(t, err)

	m, err := protoScore(npu.Output{Data: []float32{0.5, 0.25}}, sc)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, m, 1e-9)

	_, err = protoScore(npu.Output{Data: []float32{1, 2, 3}}, sc)
	assert.Error(t, err)
}

func TestMultiScore(t *testing.T) {
	t.Parallel()

	classes := []string{"Cracking", "Spaghetti", modelset.SuccessLabel}
	s, label, err := multiScore(npu.Output{Data: []float32{0, float32(math.Log(3)), 0}}, classes)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, s, 1e-6)
	assert.Equal(t, "Spaghetti", label)

	_, _, err = multiScore(npu.Output{Data: []float32{0, 0}}, []string{"a", "b"})
	assert.Error(t, err, "label table without a success class")

	_, _, err = multiScore(npu.Output{Data: []float32{0}}, classes)
	assert.Error(t, err)
}

func TestAtomicHeight(t *testing.T) {
	t.Parallel()

	var h AtomicHeight
	_, known := h.Height()
	assert.False(t, known)

	h.Set(12.5)
	mm, known := h.Height()
	assert.True(t, known)
	assert.Equal(t, 12.5, mm)

	h.Forget()
	_, known = h.Height()
	assert.False(t, known)
}

func TestAlertFunc(t *testing.T) {
	t.Parallel()

	var got []int
	var a Alerter = AlertFunc(func(p int) { got = append(got, p) })
	a.Alert(3)
	assert.Equal(t, []int{3}, got)
}
