package colorize

import (
	"sync"
	"testing"
	"time"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
	"dmdcolor/internal/msgbus"
)

// TestEndToEnd plays a whole game: start, identify, render, end.
func TestEndToEnd(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)

	h.startGame("mm")
	if len(h.loads) != 1 {
		t.Fatalf("Expected 1 engine load, got %d", len(h.loads))
	}
	if l := h.loads[0]; l.folder != "colordmd" || l.gameID != "mm" || l.flags != engine.Request32|engine.Request64 {
		t.Errorf("Unexpected load call %+v", l)
	}

	h.host.setFrame(7, 128, 32, 0x40)
	h.identifyReq(1, 7, 128, 32, 0x40)

	m := h.renderReq(1, 128, 32)

	st := h.state()
	if st == nil {
		t.Fatal("Expected a colorization state")
	}
	if st.Width() != 128 || st.Height() != 32 {
		t.Errorf("Expected 128x32 state, got %dx%d", st.Width(), st.Height())
	}
	if st.FrameVersion() != 1 {
		t.Errorf("Expected frame version 1, got %d", st.FrameVersion())
	}

	if m.Format != dmd.FormatSRGB888 || m.FrameID != 1 || m.Width != 128 || m.Height != 32 {
		t.Errorf("Unexpected response %+v", *m)
	}
	if len(m.Frame) != 128*32*3 || &m.Frame[0] != &st.native.data[0] {
		t.Error("Expected the native buffer in the response")
	}

	// index 0x40>>2 = 16 through the fake palette
	if m.Frame[0] != 16 || m.Frame[1] != 32 || m.Frame[2] != 48 {
		t.Errorf("Unexpected colorized pixel %v", m.Frame[:3])
	}

	h.endGame()

	if eng.closeCalls != 1 {
		t.Errorf("Expected engine disposed once, got %d", eng.closeCalls)
	}

	after := h.renderReq(1, 128, 32)
	if after.Frame != nil || after.FrameID != 0 {
		t.Errorf("Expected no output after game end, got %+v", *after)
	}
}

// TestDuplicateRawFrameID verifies a raw frame id is processed at most once.
func TestDuplicateRawFrameID(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)
	h.startGame("mm")
	h.selectDmd(1)

	h.identifyReq(1, 7, 128, 32, 0x40)
	st := h.state()
	if st == nil || st.FrameVersion() != 1 {
		t.Fatalf("Expected state at version 1 after first identify")
	}

	h.identifyReq(1, 7, 128, 32, 0x80)

	if eng.colorizeCalls != 1 {
		t.Errorf("Expected 1 colorize call, got %d", eng.colorizeCalls)
	}
	if h.state() != st || st.FrameVersion() != 1 {
		t.Errorf("Duplicate frame id changed the state (version %d)", st.FrameVersion())
	}
	if h.session.lastRawFrameID != 7 {
		t.Errorf("Expected last raw frame id 7, got %d", h.session.lastRawFrameID)
	}
}

func TestIdentifyIgnores(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)
	h.startGame("mm")

	// no DMD selected yet
	h.identifyReq(1, 7, 128, 32, 0x40)
	if eng.colorizeCalls != 0 {
		t.Fatalf("Identify before selection reached the engine")
	}

	h.selectDmd(1)

	h.identifyReq(2, 8, 128, 32, 0x40)
	h.bus.Broadcast("host", h.identify, &dmd.GetDmdMsg{DmdID: 1, FrameID: 9, Width: 128, Height: 32})
	h.identifyReq(1, 10, 0, 32, 0x40)

	if eng.colorizeCalls != 0 {
		t.Errorf("Expected ignored requests, got %d colorize calls", eng.colorizeCalls)
	}
	if h.state() != nil {
		t.Error("Expected no state")
	}
}

// TestNoFrameIsNoop verifies an unidentified raw frame consumes its id and nothing else.
func TestNoFrameIsNoop(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	eng.colorizeResults = []uint32{0, engine.NoFrame}
	h := newHarness(t, eng)
	h.startGame("mm")
	h.selectDmd(1)

	h.identifyReq(1, 7, 128, 32, 0x40)
	h.identifyReq(1, 8, 128, 32, 0x40)

	if v := h.state().FrameVersion(); v != 1 {
		t.Errorf("Expected frame version to stay at 1, got %d", v)
	}
	if h.session.lastRawFrameID != 8 {
		t.Errorf("Expected last raw frame id 8, got %d", h.session.lastRawFrameID)
	}
}

// TestDimensionChange verifies a new raw size recreates the state without stale variants.
func TestDimensionChange(t *testing.T) {
	eng := newFakeEngine(engine.ModeDirectColor).withVariants(128, 256)
	h := newHarness(t, eng)
	h.startGame("mm")
	h.selectDmd(1)

	h.identifyReq(1, 1, 128, 32, 0x40)
	first := h.state()
	if !first.variant32.populated() || !first.variant64.populated() {
		t.Fatal("Expected both variants populated")
	}

	eng.flags = 0
	h.identifyReq(1, 2, 192, 64, 0x40)

	st := h.state()
	if st == first {
		t.Fatal("Expected a new state after dimension change")
	}
	if st.Width() != 192 || st.Height() != 64 {
		t.Errorf("Expected 192x64, got %dx%d", st.Width(), st.Height())
	}
	if st.variant32.populated() || st.variant64.populated() || st.native.populated() {
		t.Error("Previous variants leaked into the new state")
	}
	if first.variant32.data != nil || first.variant64.data != nil {
		t.Error("Replaced state still references engine buffers")
	}

	src := dmd.NewGetDmdSrcMsg(4)
	h.bus.Broadcast("host", h.src, src)
	if len(src.Entries) != 0 {
		t.Errorf("Expected no sources, got %+v", src.Entries)
	}

	h.host.raw = nil
	if m := h.renderReq(1, 192, 64); m.Frame != nil {
		t.Error("Expected no output without populated variants")
	}
}

// TestFrameVersionAcrossStates verifies frame ids keep increasing when the state is
// replaced, by a new raw size or by a new game.
func TestFrameVersionAcrossStates(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)
	h.startGame("mm")

	h.host.setFrame(7, 128, 32, 0x40)
	first := h.renderReq(1, 128, 32)
	if first.FrameID != 1 {
		t.Fatalf("Expected frame id 1, got %d", first.FrameID)
	}
	firstPixel := append([]byte(nil), first.Frame[:3]...)

	h.host.setFrame(8, 192, 64, 0x40)
	resized := h.renderReq(1, 192, 64)
	if resized.Width != 192 || resized.FrameID != 2 {
		t.Errorf("Expected 192 wide frame id 2 after resize, got %d wide id %d", resized.Width, resized.FrameID)
	}

	h.endGame()
	h.startGame("tz")

	h.host.setFrame(1, 128, 32, 0x80)
	next := h.renderReq(1, 128, 32)
	if next.Frame == nil || next.FrameID != 3 {
		t.Errorf("Expected frame id 3 in the new game, got %d", next.FrameID)
	}

	if first.Frame[0] != firstPixel[0] || first.Frame[1] != firstPixel[1] || first.Frame[2] != firstPixel[2] {
		t.Errorf("Frame of the previous game was overwritten: %v", first.Frame[:3])
	}
}

// TestDirectColorRender verifies the engine buffers are served by reference.
func TestDirectColorRender(t *testing.T) {
	eng := newFakeEngine(engine.ModeDirectColor).withVariants(128, 256)
	h := newHarness(t, eng)
	h.startGame("mm")

	h.host.setFrame(3, 128, 32, 0x40)
	m := h.renderReq(1, 128, 32)

	if m.Format != dmd.FormatSRGB565 || m.Width != 128 || m.Height != 32 {
		t.Errorf("Unexpected response %+v", *m)
	}
	if &m.Frame[0] != &eng.frame32[0] {
		t.Error("Expected the engine's 32-row buffer")
	}
	// both variants refreshed by the identify pass
	if m.FrameID != 2 {
		t.Errorf("Expected frame version 2, got %d", m.FrameID)
	}

	sized := &dmd.GetDmdMsg{DmdID: 1, Width: 256, Height: 64, RequestFlags: dmd.FlagRenderSizeReq}
	h.bus.Broadcast("host", h.render, sized)
	if &sized.Frame[0] != &eng.frame64[0] || sized.Width != 256 || sized.Height != 64 {
		t.Errorf("Expected the 64-row buffer, got %+v", *sized)
	}
}

// TestAnimationTermination verifies N scheduled steps run exactly N rotations.
func TestAnimationTermination(t *testing.T) {
	delays := []uint32{50, 30, 20, 0}

	eng := newFakeEngine(engine.ModePaletteIndex)
	eng.colorizeResults = []uint32{100}
	for _, d := range delays {
		eng.rotateResults = append(eng.rotateResults, d|engine.RotatedIndex)
	}

	h := newHarness(t, eng)
	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)

	h.renderReq(1, 128, 32)
	st := h.state()
	if !st.HasAnimation() {
		t.Fatal("Expected an animation after a nonzero first rotation")
	}
	if want := h.clock.now.Add(100 * time.Millisecond); !st.animationNextTick.Equal(want) {
		t.Errorf("Expected next tick %v, got %v", want, st.animationNextTick)
	}

	// not due yet
	h.renderReq(1, 128, 32)
	if eng.rotateCalls != 0 {
		t.Fatalf("Rotation ran before its tick")
	}

	step := []time.Duration{100, 50, 30, 20}
	for i, d := range step {
		h.clock.Advance(d*time.Millisecond + time.Millisecond)
		prev := st.FrameVersion()

		m := h.renderReq(1, 128, 32)

		if eng.rotateCalls != i+1 {
			t.Fatalf("Step %d: expected %d rotations, got %d", i, i+1, eng.rotateCalls)
		}
		if delays[i] != 0 && m.FrameID != prev+1 {
			t.Errorf("Step %d: expected frame version %d, got %d", i, prev+1, m.FrameID)
		}
		h.clock.Advance(-time.Millisecond)
	}

	if st.HasAnimation() {
		t.Error("Expected the animation to end on a zero delay")
	}

	h.clock.Advance(time.Second)
	h.renderReq(1, 128, 32)
	if eng.rotateCalls != len(delays) {
		t.Errorf("Expected no rotation after the end, got %d", eng.rotateCalls)
	}
}

// TestAnimationCatchUp verifies a late render runs every overdue step at once.
func TestAnimationCatchUp(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	eng.colorizeResults = []uint32{10}
	eng.rotateResults = []uint32{
		10 | engine.RotatedIndex,
		10 | engine.RotatedIndex,
		1000 | engine.RotatedIndex,
		10 | engine.RotatedIndex,
	}

	h := newHarness(t, eng)
	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)
	h.renderReq(1, 128, 32)

	start := h.clock.now
	h.clock.Advance(35 * time.Millisecond)
	m := h.renderReq(1, 128, 32)

	// steps due at 10, 20 and 30ms, the third scheduling the next one at 1030ms
	if eng.rotateCalls != 3 {
		t.Errorf("Expected 3 rotations, got %d", eng.rotateCalls)
	}
	st := h.state()
	if !st.HasAnimation() {
		t.Error("Expected the animation to continue")
	}
	if want := start.Add(1030 * time.Millisecond); !st.animationNextTick.Equal(want) {
		t.Errorf("Expected next tick %v, got %v", want, st.animationNextTick)
	}
	if want := start.Add(30 * time.Millisecond); !st.animationTick.Equal(want) {
		t.Errorf("Expected tick %v, got %v", want, st.animationTick)
	}
	if m.FrameID != 4 {
		t.Errorf("Expected frame version 4, got %d", m.FrameID)
	}
}

// TestRotationWithoutChange verifies a step without rotation flags keeps the frame version.
func TestRotationWithoutChange(t *testing.T) {
	eng := newFakeEngine(engine.ModeDirectColor).withVariants(128, 256)
	eng.colorizeResults = []uint32{10}
	eng.rotateResults = []uint32{10 | engine.Rotated64}

	h := newHarness(t, eng)
	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)
	h.renderReq(1, 128, 32)

	v := h.state().FrameVersion()
	h.clock.Advance(15 * time.Millisecond)
	h.renderReq(1, 128, 32)

	if got := h.state().FrameVersion(); got != v+1 {
		t.Errorf("Expected only the 64-row refresh, version %d -> %d", v, got)
	}
}

// TestZeroRotationKeepsAnimation records that a static frame does not cancel a running rotation.
func TestZeroRotationKeepsAnimation(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	eng.colorizeResults = []uint32{100, 0}

	h := newHarness(t, eng)
	h.startGame("mm")
	h.selectDmd(1)

	h.identifyReq(1, 1, 128, 32, 0x40)
	h.identifyReq(1, 2, 128, 32, 0x80)

	if !h.state().HasAnimation() {
		t.Error("Expected the pending animation to be kept")
	}
}

func TestSelectionLatch(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.ModePaletteIndex))
	h.startGame("mm")

	h.renderReq(3, 64, 32)
	if _, ok := h.session.Selected(); ok {
		t.Fatal("A 64 pixel wide display must not be selected")
	}

	h.renderReq(3, 128, 32)
	if id, ok := h.session.Selected(); !ok || id != 3 {
		t.Errorf("Expected dmd 3 selected, got %d (%v)", id, ok)
	}

	h.renderReq(4, 256, 64)
	if id, _ := h.session.Selected(); id != 3 {
		t.Errorf("Selection must stick to dmd 3, got %d", id)
	}
}

func TestRenderIgnores(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.ModePaletteIndex))
	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)
	h.renderReq(1, 128, 32)

	other := h.renderReq(2, 128, 32)
	if other.Frame != nil {
		t.Error("Answered a request for another DMD")
	}

	answered := &dmd.GetDmdMsg{DmdID: 1, Width: 128, Height: 32, Frame: []byte{1, 2, 3}, Format: dmd.FormatSRGB565}
	h.bus.Broadcast("host", h.render, answered)
	if answered.Format != dmd.FormatSRGB565 || len(answered.Frame) != 3 {
		t.Error("Overwrote a frame already colorized by someone else")
	}

	raw := &dmd.GetDmdMsg{DmdID: 1, Width: 128, Height: 32, Frame: make([]byte, 128*32), Format: dmd.FormatLum8}
	h.bus.Broadcast("host", h.render, raw)
	if raw.Format != dmd.FormatSRGB888 {
		t.Errorf("Expected a raw request to be colorized, got %s", raw.Format)
	}

	sized := &dmd.GetDmdMsg{DmdID: 1, Width: 256, Height: 64, RequestFlags: dmd.FlagRenderSizeReq}
	h.bus.Broadcast("host", h.render, sized)
	if sized.Frame != nil {
		t.Error("Answered a size that is not available")
	}
}

func TestSources(t *testing.T) {
	eng := newFakeEngine(engine.ModeDirectColor).withVariants(128, 256)
	h := newHarness(t, eng)
	h.startGame("mm")

	src := dmd.NewGetDmdSrcMsg(4)
	h.bus.Broadcast("host", h.src, src)
	if len(src.Entries) != 0 {
		t.Fatalf("Expected no source before selection, got %+v", src.Entries)
	}

	h.host.setFrame(7, 128, 32, 0x40)
	h.renderReq(1, 128, 32)

	src = dmd.NewGetDmdSrcMsg(4)
	h.bus.Broadcast("host", h.src, src)

	want := []dmd.SrcEntry{
		{DmdID: 1, Format: dmd.FormatSRGB565, Width: 128, Height: 32},
		{DmdID: 1, Format: dmd.FormatSRGB565, Width: 256, Height: 64},
	}
	if len(src.Entries) != len(want) {
		t.Fatalf("Expected %d entries, got %+v", len(want), src.Entries)
	}
	for i := range want {
		if src.Entries[i] != want[i] {
			t.Errorf("Entry %d: expected %+v, got %+v", i, want[i], src.Entries[i])
		}
	}

	small := dmd.NewGetDmdSrcMsg(1)
	small.Append(dmd.SrcEntry{DmdID: 9})
	h.session.Sources(small)
	if len(small.Entries) != 1 || small.Entries[0].DmdID != 9 {
		t.Errorf("Sources overflowed a full list: %+v", small.Entries)
	}
}

func TestSourcesPaletteMode(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.ModePaletteIndex))
	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)
	h.renderReq(1, 128, 32)

	src := dmd.NewGetDmdSrcMsg(4)
	h.session.Sources(src)

	want := dmd.SrcEntry{DmdID: 1, Format: dmd.FormatSRGB888, Width: 128, Height: 32}
	if len(src.Entries) != 1 || src.Entries[0] != want {
		t.Errorf("Expected %+v, got %+v", want, src.Entries)
	}
}

func TestTriggerBroadcast(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	eng.colorizeResults = []uint32{0, engine.NoFrame}
	eng.trigger = 5
	h := newHarness(t, eng)

	var got []uint32
	h.bus.Subscribe("lights", h.trigger, func(_ msgbus.TopicID, msg any) { got = append(got, msg.(uint32)) })

	h.startGame("mm")
	h.selectDmd(1)

	h.identifyReq(1, 1, 128, 32, 0x40)
	h.identifyReq(1, 2, 128, 32, 0x40)

	if len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected a single trigger 5, got %v", got)
	}

	eng.trigger = engine.TriggerDisabled
	h.identifyReq(1, 3, 128, 32, 0x40)
	if len(got) != 1 {
		t.Errorf("Disabled trigger was broadcast: %v", got)
	}
}

// TestFailedLoad verifies a game without asset gets no subscription.
func TestFailedLoad(t *testing.T) {
	h := newHarness(t, nil)
	h.startGame("mm")

	if h.session.Active() {
		t.Fatal("Session active without engine")
	}

	stats := h.bus.Stats()
	if _, ok := stats.Topics[ControllerNamespace+"/"+GetDmdRenderMsg].Subscribers[EndpointID]; ok {
		t.Error("Subscribed to render requests without engine")
	}

	m := h.renderReq(1, 128, 32)
	if m.Frame != nil {
		t.Error("Expected no output")
	}
	if _, ok := h.session.Selected(); ok {
		t.Error("Selected a DMD without engine")
	}
}

func TestEndGameIdempotent(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)

	h.endGame()

	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)
	h.renderReq(1, 128, 32)

	h.endGame()
	h.endGame()

	if eng.closeCalls != 1 {
		t.Errorf("Expected engine disposed once, got %d", eng.closeCalls)
	}
	if h.state() != nil {
		t.Error("State survived game end")
	}
	if _, ok := h.session.Selected(); ok {
		t.Error("Selection survived game end")
	}

	stats := h.bus.Stats()
	for _, name := range []string{GetDmdSrcMsg, GetDmdRenderMsg, GetDmdIdentifyMsg} {
		if _, ok := stats.Topics[ControllerNamespace+"/"+name].Subscribers[EndpointID]; ok {
			t.Errorf("Still subscribed to %s", name)
		}
	}
}

func TestRestartGame(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)

	h.startGame("mm")
	h.startGame("tz")

	if eng.closeCalls != 1 {
		t.Errorf("Expected previous engine disposed, got %d closes", eng.closeCalls)
	}
	if !h.session.Active() {
		t.Error("Expected the second game to be active")
	}

	h.host.setFrame(7, 128, 32, 0x40)
	if m := h.renderReq(1, 128, 32); m.Frame == nil {
		t.Error("Expected output after restart")
	}
}

func TestUnregister(t *testing.T) {
	eng := newFakeEngine(engine.ModePaletteIndex)
	h := newHarness(t, eng)
	h.startGame("mm")

	h.session.Unregister()
	h.session.Unregister()

	if eng.closeCalls != 1 {
		t.Errorf("Expected engine disposed on unregister, got %d", eng.closeCalls)
	}

	h.startGame("mm")
	if len(h.loads) != 1 {
		t.Errorf("Game start reached an unregistered session")
	}
}

// TestConcurrentLifecycle renders while the plugin is reloaded, under the race detector.
func TestConcurrentLifecycle(t *testing.T) {
	eng := newFakeEngine(engine.ModeDirectColor).withVariants(128, 256)
	h := newHarness(t, eng)
	h.startGame("mm")
	h.host.setFrame(7, 128, 32, 0x40)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.session.Render(&dmd.GetDmdMsg{DmdID: 1, Width: 128, Height: 32})
			h.session.Identify(&dmd.GetDmdMsg{DmdID: 1, Frame: make([]byte, 128*32), FrameID: uint32(i + 100), Width: 128, Height: 32})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			h.session.Unregister()
			if err := h.session.Register(); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			h.session.StartGame("mm")
		}
	}()
	wg.Wait()

	if !h.session.Active() {
		t.Error("Expected the last game to be active")
	}
}

// TestConcurrentRequests exercises the session lock under the race detector.
func TestConcurrentRequests(t *testing.T) {
	eng := newFakeEngine(engine.ModeDirectColor).withVariants(128, 256)
	h := newHarness(t, eng)
	h.startGame("mm")
	h.selectDmd(1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for j := uint32(0); j < 50; j++ {
				raw := make([]byte, 128*32)
				h.session.Identify(&dmd.GetDmdMsg{DmdID: 1, Frame: raw, FrameID: base*100 + j + 1, Width: 128, Height: 32})
				h.session.Sources(dmd.NewGetDmdSrcMsg(3))
			}
		}(uint32(i))
	}
	wg.Wait()

	if h.state() == nil {
		t.Error("Expected a state")
	}
}
