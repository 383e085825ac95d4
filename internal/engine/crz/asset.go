// Package crz implements a reference decode engine over zstd compressed colorization
// assets.
//
// An asset targets one game. It holds a set of 64 color palettes and a list of frame
// rules. A rule matches a raw frame by the CRC-32 of its luminance bytes and gives
// the palette to colorize it with, an optional lighting trigger and an optional
// palette rotation (a range of palette entries cycled by one entry every Delay
// milliseconds, Steps times).
//
// On disk an asset is the zstd compression of:
//
//	header   magic "CRZ1", mode u8, width u16, height u16, palettes u16, rules u16
//	palettes palettes * 64 * 3 bytes (R, G, B)
//	rules    rules * (signature u32, palette u16, trigger u32,
//	         rotation first u8, rotation count u8, delay u16, steps u16)
//
// All integers are little endian.
package crz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"

	"dmdcolor/internal/engine"
)

// PaletteSize is the number of colors in a palette
const PaletteSize = 64

const maxPixels = 256 * 64

var (
	ErrBadMagic  = errors.New("crz: not a colorization asset")
	ErrMalformed = errors.New("crz: malformed asset")
)

var magic = [4]byte{'C', 'R', 'Z', '1'}

// Palette is PaletteSize RGB triplets
type Palette [PaletteSize * 3]byte

// Color returns entry i of the palette
func (p *Palette) Color(i int) (r, g, b uint8) {
	return p[i*3], p[i*3+1], p[i*3+2]
}

// SetColor sets entry i of the palette
func (p *Palette) SetColor(i int, r, g, b uint8) {
	p[i*3], p[i*3+1], p[i*3+2] = r, g, b
}

// Rotation cycles Count palette entries starting at First
type Rotation struct {
	First uint8
	Count uint8
	Delay uint16 // milliseconds between steps
	Steps uint16
}

func (r Rotation) active() bool {
	return r.Count > 1 && r.Delay > 0 && r.Steps > 0
}

// Rule colorizes the raw frame whose Signature matches
type Rule struct {
	Signature uint32
	Palette   int
	Trigger   uint32
	Rotation  Rotation
}

// Asset is a decoded colorization asset
type Asset struct {
	Mode     engine.Mode
	Width    int
	Height   int
	Palettes []Palette
	Rules    []Rule
}

// Signature identifies a raw luminance frame
func Signature(raw []byte) uint32 {
	return crc32.ChecksumIEEE(raw)
}

type header struct {
	Magic    [4]byte
	Mode     uint8
	Width    uint16
	Height   uint16
	Palettes uint16
	Rules    uint16
}

type ruleRecord struct {
	Signature uint32
	Palette   uint16
	Trigger   uint32
	First     uint8
	Count     uint8
	Delay     uint16
	Steps     uint16
}

// Validate checks the asset is usable by an engine
func (a *Asset) Validate() error {
	if a.Mode != engine.ModePaletteIndex && a.Mode != engine.ModeDirectColor {
		return fmt.Errorf("%w: unknown mode %d", ErrMalformed, a.Mode)
	}

	if a.Width <= 0 || a.Height <= 0 || a.Width*a.Height > maxPixels {
		return fmt.Errorf("%w: bad dimensions %dx%d", ErrMalformed, a.Width, a.Height)
	}

	if len(a.Palettes) == 0 || len(a.Palettes) > 0xffff || len(a.Rules) > 0xffff {
		return fmt.Errorf("%w: %d palettes, %d rules", ErrMalformed, len(a.Palettes), len(a.Rules))
	}

	for i, r := range a.Rules {
		if r.Palette < 0 || r.Palette >= len(a.Palettes) {
			return fmt.Errorf("%w: rule %d references palette %d", ErrMalformed, i, r.Palette)
		}

		if int(r.Rotation.First)+int(r.Rotation.Count) > PaletteSize {
			return fmt.Errorf("%w: rule %d rotation out of palette", ErrMalformed, i)
		}
	}

	return nil
}

// Encode writes the compressed asset to w
func (a *Asset) Encode(w io.Writer) error {
	if err := a.Validate(); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd encode: %w", err)
	}

	h := header{
		Magic:    magic,
		Mode:     uint8(a.Mode),
		Width:    uint16(a.Width),
		Height:   uint16(a.Height),
		Palettes: uint16(len(a.Palettes)),
		Rules:    uint16(len(a.Rules)),
	}
	if err := binary.Write(enc, binary.LittleEndian, &h); err != nil {
		enc.Close()
		return err
	}

	for i := range a.Palettes {
		if _, err := enc.Write(a.Palettes[i][:]); err != nil {
			enc.Close()
			return err
		}
	}

	for _, r := range a.Rules {
		rec := ruleRecord{
			Signature: r.Signature,
			Palette:   uint16(r.Palette),
			Trigger:   r.Trigger,
			First:     r.Rotation.First,
			Count:     r.Rotation.Count,
			Delay:     r.Rotation.Delay,
			Steps:     r.Rotation.Steps,
		}
		if err := binary.Write(enc, binary.LittleEndian, &rec); err != nil {
			enc.Close()
			return err
		}
	}

	return enc.Close()
}

// Decode reads a compressed asset from r
func Decode(r io.Reader) (*Asset, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	defer dec.Close()

	var h header
	if err := binary.Read(dec, binary.LittleEndian, &h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		return nil, fmt.Errorf("zstd decode: %w", err)
	}

	if h.Magic != magic {
		return nil, ErrBadMagic
	}

	a := &Asset{
		Mode:     engine.Mode(h.Mode),
		Width:    int(h.Width),
		Height:   int(h.Height),
		Palettes: make([]Palette, h.Palettes),
		Rules:    make([]Rule, h.Rules),
	}

	for i := range a.Palettes {
		if _, err := io.ReadFull(dec, a.Palettes[i][:]); err != nil {
			return nil, fmt.Errorf("%w: palette %d: %v", ErrMalformed, i, err)
		}
	}

	for i := range a.Rules {
		var rec ruleRecord
		if err := binary.Read(dec, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrMalformed, i, err)
		}

		a.Rules[i] = Rule{
			Signature: rec.Signature,
			Palette:   int(rec.Palette),
			Trigger:   rec.Trigger,
			Rotation: Rotation{
				First: rec.First,
				Count: rec.Count,
				Delay: rec.Delay,
				Steps: rec.Steps,
			},
		}
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}
