package crz

import (
	"fmt"

	"dmdcolor/internal/engine"
)

// BuildOptions tunes Build
type BuildOptions struct {
	Mode engine.Mode
	// every RotateEvery-th distinct frame cycles the bright end of its palette, 0 for never
	RotateEvery int
	// every TriggerEvery-th distinct frame fires its rule number as trigger, 0 for never
	TriggerEvery int
}

var demoHues = [][3]int{
	{0xff, 0x60, 0x00},
	{0x00, 0xc8, 0xff},
	{0x40, 0xff, 0x40},
	{0xff, 0x30, 0xc0},
}

// demoRotation cycles the upper quarter of a palette for about two seconds
var demoRotation = Rotation{First: 48, Count: 16, Delay: 40, Steps: 50}

// Build makes a demo asset with one rule per distinct frame, each tinted with one of a
// few fixed palettes in turn
func Build(frames [][]byte, width, height int, o BuildOptions) (*Asset, error) {
	a := &Asset{
		Mode:   o.Mode,
		Width:  width,
		Height: height,
	}

	for _, hue := range demoHues {
		var p Palette
		for i := 0; i < PaletteSize; i++ {
			p.SetColor(i,
				uint8(hue[0]*i/(PaletteSize-1)),
				uint8(hue[1]*i/(PaletteSize-1)),
				uint8(hue[2]*i/(PaletteSize-1)))
		}
		a.Palettes = append(a.Palettes, p)
	}

	seen := make(map[uint32]bool)
	for i, f := range frames {
		if len(f) != width*height {
			return nil, fmt.Errorf("frame %d has %d pixels, expected %dx%d", i, len(f), width, height)
		}

		sig := Signature(f)
		if seen[sig] {
			continue
		}
		seen[sig] = true

		n := len(a.Rules) + 1
		r := Rule{
			Signature: sig,
			Palette:   len(a.Rules) % len(a.Palettes),
			Trigger:   engine.TriggerDisabled,
		}
		if o.RotateEvery > 0 && n%o.RotateEvery == 0 {
			r.Rotation = demoRotation
		}
		if o.TriggerEvery > 0 && n%o.TriggerEvery == 0 {
			r.Trigger = uint32(n)
		}
		a.Rules = append(a.Rules, r)
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}
