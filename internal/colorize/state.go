package colorize

import (
	"fmt"
	"time"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
)

type ownership int

const (
	// owned buffers are allocated by the state and dropped when it is released
	owned ownership = iota + 1
	// borrowed buffers belong to the engine and are only ever forgotten
	borrowed
)

// frameBuffer is one output slot of a ColorizationState
type frameBuffer struct {
	data   []byte
	width  int
	height int
	format dmd.Format
	own    ownership
	filled bool
}

func (b *frameBuffer) populated() bool {
	return b.filled && b.data != nil && b.width > 0 && b.height > 0
}

func (b *frameBuffer) adopt(data []byte, width int) {
	b.data = data
	b.width = width
	b.filled = true
}

// release forgets the buffer. Borrowed contents are never written.
func (b *frameBuffer) release() {
	b.data = nil
	b.filled = false
}

// ColorizationState holds the latest colorized outputs of one DMD at one native
// resolution, and the timing of the rotation in progress.
type ColorizationState struct {
	width  int
	height int

	native    frameBuffer
	variant32 frameBuffer
	variant64 frameBuffer

	frameVersion uint32

	hasAnimation      bool
	animationTick     time.Time
	animationNextTick time.Time
}

// newColorizationState starts counting frame versions after version, so that the
// frames of a replaced state are never confused with the new ones
func newColorizationState(width, height int, mode engine.Mode, version uint32) *ColorizationState {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("impossible: colorization state of %dx%d", width, height))
	}

	s := &ColorizationState{
		width:        width,
		height:       height,
		frameVersion: version,
		variant32: frameBuffer{height: 32, format: dmd.FormatSRGB565, own: borrowed},
		variant64: frameBuffer{height: 64, format: dmd.FormatSRGB565, own: borrowed},
	}

	if mode == engine.ModePaletteIndex {
		s.native = frameBuffer{
			data:   make([]byte, width*height*3),
			width:  width,
			height: height,
			format: dmd.FormatSRGB888,
			own:    owned,
		}
	}

	return s
}

func (s *ColorizationState) Width() int {
	return s.width
}

func (s *ColorizationState) Height() int {
	return s.height
}

// FrameVersion changes every time an output is refreshed
func (s *ColorizationState) FrameVersion() uint32 {
	return s.frameVersion
}

func (s *ColorizationState) HasAnimation() bool {
	return s.hasAnimation
}

// refreshNative maps the engine's index frame through its current palette
func (s *ColorizationState) refreshNative(e engine.Engine) {
	if s.native.data == nil {
		return
	}

	palette := e.Palette()
	index := e.IndexFrame()
	n := s.width * s.height
	if len(index) < n {
		n = len(index)
	}

	out := s.native.data
	for i := 0; i < n; i++ {
		c := int(index[i]) * 3
		copy(out[i*3:i*3+3], palette[c:c+3])
	}

	s.native.filled = true
	s.frameVersion++
}

func (s *ColorizationState) refreshVariant32(e engine.Engine) {
	if w, frame := e.Frame32(); w > 0 {
		s.variant32.adopt(frame, w)
		s.frameVersion++
	}
}

func (s *ColorizationState) refreshVariant64(e engine.Engine) {
	if w, frame := e.Frame64(); w > 0 {
		s.variant64.adopt(frame, w)
		s.frameVersion++
	}
}

// startAnimation arms the first rotation step delayMs after now
func (s *ColorizationState) startAnimation(now time.Time, delayMs uint32) {
	s.hasAnimation = true
	s.animationTick = now
	s.animationNextTick = now.Add(time.Duration(delayMs) * time.Millisecond)
}

// release recycles owned buffers and forgets borrowed ones
func (s *ColorizationState) release() {
	s.native.release()
	s.variant32.release()
	s.variant64.release()
}

// selectVariant picks the output answering a render request, nil when none matches
func (s *ColorizationState) selectVariant(m *dmd.GetDmdMsg) *frameBuffer {
	if m.SizeRequested() {
		switch {
		case m.Height == 32 && m.Width == s.variant32.width && s.variant32.populated():
			return &s.variant32
		case m.Height == 64 && m.Width == s.variant64.width && s.variant64.populated():
			return &s.variant64
		case m.Height == s.height && m.Width == s.width && s.native.populated():
			return &s.native
		}
		return nil
	}

	switch {
	case s.variant32.populated():
		if !s.variant64.populated() || s.height <= 32 {
			return &s.variant32
		}
		return &s.variant64
	case s.variant64.populated():
		return &s.variant64
	case s.native.populated():
		return &s.native
	}

	return nil
}

// refresher applies engine outputs to a state, by engine mode
type refresher interface {
	identified(s *ColorizationState, e engine.Engine)
	rotated(s *ColorizationState, e engine.Engine, rot uint32)
}

type paletteRefresher struct{}

func (paletteRefresher) identified(s *ColorizationState, e engine.Engine) {
	s.refreshNative(e)
}

func (paletteRefresher) rotated(s *ColorizationState, e engine.Engine, rot uint32) {
	if rot&engine.RotatedIndex != 0 {
		s.refreshNative(e)
	}
}

type directRefresher struct{}

func (directRefresher) identified(s *ColorizationState, e engine.Engine) {
	flags := e.Flags()
	if flags&engine.Frame32OK != 0 {
		s.refreshVariant32(e)
	}
	if flags&engine.Frame64OK != 0 {
		s.refreshVariant64(e)
	}
}

func (directRefresher) rotated(s *ColorizationState, e engine.Engine, rot uint32) {
	if rot&engine.Rotated32 != 0 {
		s.refreshVariant32(e)
	}
	if rot&engine.Rotated64 != 0 {
		s.refreshVariant64(e)
	}
}

func refresherFor(mode engine.Mode) refresher {
	switch mode {
	case engine.ModePaletteIndex:
		return paletteRefresher{}
	case engine.ModeDirectColor:
		return directRefresher{}
	}

	panic(fmt.Sprintf("impossible: unknown engine mode %d", mode))
}
