// Package engine defines the contract of a frame decode engine: the component that
// identifies raw DMD frames against a colorization asset and produces colorized
// frames and palette rotations for them.
package engine

import (
	"errors"
	"fmt"
)

// Mode is the output mode of an engine, fixed for its lifetime
type Mode int

const (
	// ModePaletteIndex engines expose an index frame plus a 64 entry RGB palette
	ModePaletteIndex Mode = iota + 1
	// ModeDirectColor engines expose ready to display RGB565 frames at 32 and 64 rows
	ModeDirectColor
)

func (m Mode) String() string {
	switch m {
	case ModePaletteIndex:
		return "palette-index"
	case ModeDirectColor:
		return "direct-color"
	}

	return "unknown"
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "palette-index", "palette":
		*m = ModePaletteIndex
	case "direct-color", "direct":
		*m = ModeDirectColor
	default:
		return fmt.Errorf("mode must be palette or direct")
	}

	return nil
}

const (
	// NoFrame is returned by Colorize when the raw frame was not identified as a new frame
	NoFrame uint32 = 0xffffffff

	// TriggerDisabled is the TriggerID value when no lighting trigger is attached
	TriggerDisabled uint32 = 0xffffffff

	// DelayMask extracts the delay in milliseconds from a Rotate result
	DelayMask uint32 = 0x0000ffff
)

// Rotate result flags, above DelayMask
const (
	// RotatedIndex means the palette of an index frame changed
	RotatedIndex uint32 = 0x10000
	// Rotated32 means the 32-row frame changed
	Rotated32 uint32 = 0x10000
	// Rotated64 means the 64-row frame changed
	Rotated64 uint32 = 0x20000
)

// Flags returned by Engine.Flags after Colorize
const (
	Frame32OK uint32 = 1 << 0
	Frame64OK uint32 = 1 << 1
)

// RequestFlags select which outputs an engine should produce
type RequestFlags uint32

const (
	Request32 RequestFlags = 1 << 0
	Request64 RequestFlags = 1 << 1
)

// ErrNoAsset is returned by loaders when no colorization asset exists for a game
var ErrNoAsset = errors.New("engine: no colorization asset for game")

// Engine is a loaded colorization asset. Buffers returned by its accessors are owned
// by the engine; they stay valid until the next Colorize, Rotate or Close call and
// must never be modified by the caller.
type Engine interface {
	Mode() Mode

	// Colorize identifies raw (one luminance byte per pixel). It returns NoFrame, or
	// the delay in milliseconds before the first rotation step, 0 meaning no rotation.
	Colorize(raw []byte) uint32

	// Rotate advances the current rotation by one step. The low 16 bits are the delay
	// until the following step, 0 ending the rotation; the high bits are Rotated* flags.
	Rotate() uint32

	// Flags reports Frame32OK / Frame64OK for the last Colorize call
	Flags() uint32

	// TriggerID is the lighting trigger of the last identified frame, or TriggerDisabled
	TriggerID() uint32

	// IndexFrame and Palette are valid in ModePaletteIndex only
	IndexFrame() []byte
	Palette() []byte

	// Frame32 and Frame64 are valid in ModeDirectColor only. A zero width means the
	// output is not available.
	Frame32() (width int, frame []byte)
	Frame64() (width int, frame []byte)

	Close() error
}

// Loader loads the colorization asset of gameID from folder
type Loader func(folder, gameID string, flags RequestFlags) (Engine, error)
