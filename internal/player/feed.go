package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dmdcolor/internal/dump"
)

// Feed plays dump frames back at their recorded pace, standing in for the emulator
// core. Every new frame gets the next raw frame id.
type Feed struct {
	frames []dump.Frame
	speed  float64
	l      *slog.Logger

	lock    sync.Locker
	waitC   chan struct{}
	pos     int
	frameID uint32
	done    chan struct{}
}

func NewFeed(frames []dump.Frame, speed float64, l *slog.Logger) *Feed {
	if speed <= 0 {
		speed = 1
	}
	if l == nil {
		l = slog.Default()
	}

	return &Feed{
		frames: frames,
		speed:  speed,
		l:      l,
		lock:   &sync.Mutex{},
		waitC:  make(chan struct{}),
		pos:    -1,
		done:   make(chan struct{}),
	}
}

// Run advances frames until the last one or until ctx is done
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.done)

	if len(f.frames) == 0 {
		f.l.Warn("Dump has no frames")
		return nil
	}

	start := time.Now()
	base := f.frames[0].Timestamp

	for i := range f.frames {
		at := time.Duration(float64(f.frames[i].Timestamp-base) / f.speed)
		if wait := time.Until(start.Add(at)); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		f.advance(i)
	}

	f.l.Info("End of dump", slog.Int("frames", len(f.frames)))
	return nil
}

func (f *Feed) advance(i int) {
	var waitC chan struct{}

	func() {
		f.lock.Lock()
		defer f.lock.Unlock()

		f.pos = i
		f.frameID++
		// 0 means no frame yet to the colorizer
		if f.frameID == 0 {
			f.frameID++
		}

		waitC, f.waitC = f.waitC, nil
	}()

	if waitC != nil {
		close(waitC)
	}
}

// Current returns the frame on display and its raw frame id
func (f *Feed) Current() (dump.Frame, uint32, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.pos < 0 {
		return dump.Frame{}, 0, false
	}

	return f.frames[f.pos], f.frameID, true
}

// WaitFirst blocks until the first frame is on display
func (f *Feed) WaitFirst(ctx context.Context) error {
	f.lock.Lock()
	c := f.waitC
	f.lock.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c:
		return nil
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run returns
func (f *Feed) Done() <-chan struct{} {
	return f.done
}
