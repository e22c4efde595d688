package detect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameTimeout bounds the wait for a frame.
const DefaultFrameTimeout = 3 * time.Second

// ErrFrameTimeout is returned when no frame arrived in time. It is expected
// while the camera is idle.
var ErrFrameTimeout = errors.New("no frame within deadline")

// Frame is one encoded camera still.
type Frame struct {
	Data []byte
	// Width and Height are the native dimensions; zero asks the codec.
	Width, Height int
	Time          time.Time
}

// FrameSource hands the scheduler one fresh frame per request.
type FrameSource interface {
	RequestFrame(ctx context.Context, timeout time.Duration) (Frame, error)
}

// Mailbox is a single-slot hand-off between the capture producer and the
// scheduler. Frames pushed while no request is outstanding are dropped.
type Mailbox struct {
	need   atomic.Bool
	mu     sync.Mutex
	waiter chan Frame
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Wanted reports whether a request is outstanding. Producers may check it
// before doing any work to produce a frame.
func (m *Mailbox) Wanted() bool {
	return m.need.Load()
}

// RequestFrame blocks until a frame is pushed, timeout elapses or ctx ends.
func (m *Mailbox) RequestFrame(ctx context.Context, timeout time.Duration) (Frame, error) {
	ch := make(chan Frame, 1)
	m.mu.Lock()
	m.waiter = ch
	m.need.Store(true)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.waiter == ch {
			m.waiter = nil
			m.need.Store(false)
		}
		m.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		select {
		case f := <-ch:
			return f, nil
		default:
			return Frame{}, ErrFrameTimeout
		}
	}
}

// Push offers f to an outstanding request. The data is copied, so the
// caller may reuse its buffer. It reports whether the frame was taken.
func (m *Mailbox) Push(f Frame) bool {
	if !m.need.Load() {
		return false
	}
	m.mu.Lock()
	ch := m.waiter
	m.waiter = nil
	m.need.Store(false)
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	f.Data = append([]byte(nil), f.Data...)
	ch <- f
	return true
}
