package crz

import (
	"testing"

	"dmdcolor/internal/engine"
)

func TestBuild(t *testing.T) {
	frames := [][]byte{
		rawFrame(128, 32, 0x10),
		rawFrame(128, 32, 0x20),
		rawFrame(128, 32, 0x10),
		rawFrame(128, 32, 0x30),
		rawFrame(128, 32, 0x40),
	}

	a, err := Build(frames, 128, 32, BuildOptions{Mode: engine.ModeDirectColor, RotateEvery: 2, TriggerEvery: 3})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(a.Rules) != 4 {
		t.Fatalf("Expected 4 rules for 4 distinct frames, got %d", len(a.Rules))
	}

	for i, r := range a.Rules {
		n := i + 1
		if rotates := r.Rotation.active(); rotates != (n%2 == 0) {
			t.Errorf("Rule %d: rotation %v", n, r.Rotation)
		}
		if n == 3 && r.Trigger != 3 {
			t.Errorf("Rule 3: expected trigger 3, got %d", r.Trigger)
		}
		if n != 3 && r.Trigger != engine.TriggerDisabled {
			t.Errorf("Rule %d: unexpected trigger %d", n, r.Trigger)
		}
	}

	if r, g, b := a.Palettes[0].Color(PaletteSize - 1); r != 0xff || g != 0x60 || b != 0 {
		t.Errorf("Unexpected brightest color %d,%d,%d", r, g, b)
	}
}

func TestBuildWrongSize(t *testing.T) {
	if _, err := Build([][]byte{rawFrame(128, 16, 0)}, 128, 32, BuildOptions{Mode: engine.ModePaletteIndex}); err == nil {
		t.Error("Expected an error for a frame of the wrong size")
	}
}
