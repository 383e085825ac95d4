package crz

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
)

// Engine colorizes raw frames with an Asset. Not safe for concurrent use.
type Engine struct {
	asset   *Asset
	rules   map[uint32]int
	request engine.RequestFlags
	l       *slog.Logger

	current   int
	palette   Palette
	index     []byte
	rotation  Rotation
	stepsLeft int
	trigger   uint32
	flags     uint32

	// direct color outputs
	native  *image.RGBA
	img32   *image.RGBA
	img64   *image.RGBA
	frame32 []byte
	frame64 []byte

	closed bool
}

var _ engine.Engine = (*Engine)(nil)

// NewEngine prepares asset for colorization. Direct color outputs are only
// produced for the sizes in request.
func NewEngine(asset *Asset, request engine.RequestFlags, l *slog.Logger) (*Engine, error) {
	if err := asset.Validate(); err != nil {
		return nil, err
	}

	if l == nil {
		l = slog.Default()
	}

	e := &Engine{
		asset:   asset,
		rules:   make(map[uint32]int, len(asset.Rules)),
		request: request,
		l:       l.With(slog.String("component", "crz")),
		current: -1,
		index:   make([]byte, asset.Width*asset.Height),
		trigger: engine.TriggerDisabled,
	}

	for i, r := range asset.Rules {
		if _, dup := e.rules[r.Signature]; dup {
			e.l.Warn("Duplicate frame signature, keeping first rule", slog.Int("rule", i))
			continue
		}
		e.rules[r.Signature] = i
	}

	if asset.Mode == engine.ModeDirectColor {
		e.native = image.NewRGBA(image.Rect(0, 0, asset.Width, asset.Height))
		if request&engine.Request32 != 0 {
			e.img32 = image.NewRGBA(image.Rect(0, 0, scaledWidth(asset.Width, asset.Height, 32), 32))
			e.frame32 = make([]byte, e.img32.Rect.Dx()*32*2)
		}
		if request&engine.Request64 != 0 {
			e.img64 = image.NewRGBA(image.Rect(0, 0, scaledWidth(asset.Width, asset.Height, 64), 64))
			e.frame64 = make([]byte, e.img64.Rect.Dx()*64*2)
		}
	}

	return e, nil
}

// Load opens the asset of gameID, looked up as <folder>/<gameID>/<gameID>.crz and
// then as <folder>/<gameID>.crz. It satisfies engine.Loader once bound to a logger.
func Load(folder, gameID string, request engine.RequestFlags, l *slog.Logger) (*Engine, error) {
	candidates := []string{
		filepath.Join(folder, gameID, gameID+".crz"),
		filepath.Join(folder, gameID+".crz"),
	}

	for _, p := range candidates {
		f, err := os.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		asset, err := Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", p, err)
		}

		return NewEngine(asset, request, l)
	}

	return nil, fmt.Errorf("%w %q in %s", engine.ErrNoAsset, gameID, folder)
}

// Loader adapts Load to engine.Loader
func Loader(l *slog.Logger) engine.Loader {
	return func(folder, gameID string, flags engine.RequestFlags) (engine.Engine, error) {
		e, err := Load(folder, gameID, flags, l)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func scaledWidth(w, h, rows int) int {
	sw := w * rows / h
	if sw < 1 {
		sw = 1
	}
	return sw
}

func (e *Engine) Mode() engine.Mode {
	return e.asset.Mode
}

func (e *Engine) Colorize(raw []byte) uint32 {
	e.trigger = engine.TriggerDisabled
	e.flags = 0

	if e.closed || len(raw) != len(e.index) {
		return engine.NoFrame
	}

	ri, ok := e.rules[Signature(raw)]
	if !ok || ri == e.current {
		return engine.NoFrame
	}

	rule := e.asset.Rules[ri]
	e.current = ri
	e.palette = e.asset.Palettes[rule.Palette]
	e.trigger = rule.Trigger
	e.rotation = rule.Rotation
	e.stepsLeft = 0
	if rule.Rotation.active() {
		e.stepsLeft = int(rule.Rotation.Steps)
	}

	// raw luminance is 0-255, palettes have 64 entries
	for i, v := range raw {
		e.index[i] = v >> 2
	}

	if e.asset.Mode == engine.ModeDirectColor {
		e.renderDirect()
		if e.img32 != nil {
			e.flags |= engine.Frame32OK
		}
		if e.img64 != nil {
			e.flags |= engine.Frame64OK
		}
	}

	if e.stepsLeft == 0 {
		return 0
	}
	return uint32(e.rotation.Delay)
}

func (e *Engine) Rotate() uint32 {
	if e.closed || e.stepsLeft == 0 {
		return 0
	}

	first := int(e.rotation.First)
	last := first + int(e.rotation.Count) - 1
	r, g, b := e.palette.Color(last)
	copy(e.palette[(first+1)*3:(last+1)*3], e.palette[first*3:last*3])
	e.palette.SetColor(first, r, g, b)
	e.stepsLeft--

	ret := uint32(e.rotation.Delay)
	if e.asset.Mode == engine.ModePaletteIndex {
		return ret | engine.RotatedIndex
	}

	e.renderDirect()
	if e.img32 != nil {
		ret |= engine.Rotated32
	}
	if e.img64 != nil {
		ret |= engine.Rotated64
	}

	return ret
}

func (e *Engine) Flags() uint32 {
	return e.flags
}

func (e *Engine) TriggerID() uint32 {
	return e.trigger
}

func (e *Engine) IndexFrame() []byte {
	return e.index
}

func (e *Engine) Palette() []byte {
	return e.palette[:]
}

func (e *Engine) Frame32() (int, []byte) {
	if e.img32 == nil || e.current < 0 {
		return 0, nil
	}
	return e.img32.Rect.Dx(), e.frame32
}

func (e *Engine) Frame64() (int, []byte) {
	if e.img64 == nil || e.current < 0 {
		return 0, nil
	}
	return e.img64.Rect.Dx(), e.frame64
}

func (e *Engine) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true
	e.current = -1
	e.l.Debug("Engine disposed")

	return nil
}

// renderDirect paints the index frame into the native image and scales it into the
// requested outputs
func (e *Engine) renderDirect() {
	for i, idx := range e.index {
		r, g, b := e.palette.Color(int(idx))
		o := i * 4
		e.native.Pix[o] = r
		e.native.Pix[o+1] = g
		e.native.Pix[o+2] = b
		e.native.Pix[o+3] = 0xff
	}

	if e.img32 != nil {
		e.scale(e.img32)
		pack565(e.frame32, e.img32)
	}
	if e.img64 != nil {
		e.scale(e.img64)
		pack565(e.frame64, e.img64)
	}
}

func (e *Engine) scale(dst *image.RGBA) {
	switch {
	case dst.Rect.Eq(e.native.Rect):
		copy(dst.Pix, e.native.Pix)
	case dst.Rect.Dy() > e.native.Rect.Dy():
		draw.NearestNeighbor.Scale(dst, dst.Rect, e.native, e.native.Rect, draw.Src, nil)
	default:
		draw.ApproxBiLinear.Scale(dst, dst.Rect, e.native, e.native.Rect, draw.Src, nil)
	}
}

func pack565(out []byte, img *image.RGBA) {
	for i := 0; i < len(out)/2; i++ {
		p := dmd.PackRGB565(img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2])
		out[i*2] = byte(p)
		out[i*2+1] = byte(p >> 8)
	}
}
