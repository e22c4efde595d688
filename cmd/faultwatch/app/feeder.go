package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rinkhals-tools/faultwatch/internal/detect"
	"github.com/rinkhals-tools/faultwatch/internal/fsutil"
	"github.com/rinkhals-tools/faultwatch/internal/monitoring"
	"github.com/rinkhals-tools/faultwatch/internal/timeutil"
)

// frameSink is the scheduler side of the frame mailbox.
type frameSink interface {
	FrameWanted() bool
	FeedFrame(detect.Frame) bool
}

// frameFeeder replays a directory of stills as camera frames, in name order,
// wrapping around at the end.
type frameFeeder struct {
	fs    fsutil.FileSystem
	paths []string
	sink  frameSink
	clock timeutil.Clock
	next  int
}

func newFrameFeeder(fsys fsutil.FileSystem, dir string, sink frameSink, clock timeutil.Clock) (*frameFeeder, error) {
	var paths []string
	for _, pattern := range []string{"*.jpg", "*.jpeg", "*.JPG", "*.JPEG"} {
		names, err := fsutil.Glob(fsys, dir, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to list frames: %w", err)
		}
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	monitoring.Logf("[Frames] replaying %d stills from %s", len(paths), dir)
	return &frameFeeder{fs: fsys, paths: paths, sink: sink, clock: clock}, nil
}

// offer hands the next still to a waiting request. It reports whether a
// frame was delivered.
func (f *frameFeeder) offer() (bool, error) {
	if !f.sink.FrameWanted() {
		return false, nil
	}
	path := f.paths[f.next%len(f.paths)]
	data, err := f.fs.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read frame %s: %w", path, err)
	}
	if !f.sink.FeedFrame(detect.Frame{Data: data, Time: f.clock.Now()}) {
		return false, nil
	}
	f.next++
	return true, nil
}

func (f *frameFeeder) run(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := f.offer(); err != nil {
				monitoring.Logf("[Frames] %v", err)
			}
		}
	}
}
