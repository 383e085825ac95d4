package colorize

import (
	"testing"
	"time"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
	"dmdcolor/internal/msgbus"
	"dmdcolor/internal/settings"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// fakeEngine replays scripted Colorize and Rotate results
type fakeEngine struct {
	mode engine.Mode

	colorizeResults []uint32 // consumed in order, 0 once exhausted
	rotateResults   []uint32 // consumed in order, 0 once exhausted
	flags           uint32
	trigger         uint32

	palette []byte
	index   []byte
	width32 int
	frame32 []byte
	width64 int
	frame64 []byte

	colorizeCalls int
	rotateCalls   int
	closeCalls    int
}

func newFakeEngine(mode engine.Mode) *fakeEngine {
	e := &fakeEngine{
		mode:    mode,
		trigger: engine.TriggerDisabled,
		palette: make([]byte, 64*3),
	}
	for i := 0; i < 64; i++ {
		e.palette[i*3] = uint8(i)
		e.palette[i*3+1] = uint8(i * 2)
		e.palette[i*3+2] = uint8(i * 3)
	}
	return e
}

func (e *fakeEngine) withVariants(w32, w64 int) *fakeEngine {
	e.width32, e.frame32 = w32, make([]byte, w32*32*2)
	e.width64, e.frame64 = w64, make([]byte, w64*64*2)
	e.flags = engine.Frame32OK | engine.Frame64OK
	return e
}

func (e *fakeEngine) Mode() engine.Mode { return e.mode }

func (e *fakeEngine) Colorize(raw []byte) uint32 {
	e.colorizeCalls++

	e.index = make([]byte, len(raw))
	for i, v := range raw {
		e.index[i] = v >> 2
	}

	if len(e.colorizeResults) == 0 {
		return 0
	}
	r := e.colorizeResults[0]
	e.colorizeResults = e.colorizeResults[1:]
	return r
}

func (e *fakeEngine) Rotate() uint32 {
	e.rotateCalls++

	if len(e.rotateResults) == 0 {
		return 0
	}
	r := e.rotateResults[0]
	e.rotateResults = e.rotateResults[1:]
	return r
}

func (e *fakeEngine) Flags() uint32 { return e.flags }
func (e *fakeEngine) TriggerID() uint32 { return e.trigger }
func (e *fakeEngine) IndexFrame() []byte { return e.index }
func (e *fakeEngine) Palette() []byte { return e.palette }
func (e *fakeEngine) Frame32() (int, []byte) { return e.width32, e.frame32 }
func (e *fakeEngine) Frame64() (int, []byte) { return e.width64, e.frame64 }

func (e *fakeEngine) Close() error {
	e.closeCalls++
	return nil
}

// fakeHost answers raw frame requests like the emulator core does
type fakeHost struct {
	dmdID   uint32
	raw     []byte
	frameID uint32
	width   int
	height  int
}

func (h *fakeHost) setFrame(frameID uint32, width, height int, lum byte) {
	h.frameID, h.width, h.height = frameID, width, height
	h.raw = make([]byte, width*height)
	for i := range h.raw {
		h.raw[i] = lum
	}
}

func (h *fakeHost) onIdentify(_ msgbus.TopicID, msg any) {
	m := msg.(*dmd.GetDmdMsg)
	if m.DmdID != h.dmdID || m.Frame != nil || h.raw == nil {
		return
	}

	m.Frame = h.raw
	m.FrameID = h.frameID
	m.Width = h.width
	m.Height = h.height
	m.Format = dmd.FormatLum8
}

type loadCall struct {
	folder string
	gameID string
	flags  engine.RequestFlags
}

type harness struct {
	t       *testing.T
	bus     *msgbus.Bus
	clock   *fakeClock
	host    *fakeHost
	session *Session
	loads   []loadCall

	render   msgbus.TopicID
	identify msgbus.TopicID
	src      msgbus.TopicID
	start    msgbus.TopicID
	end      msgbus.TopicID
	trigger  msgbus.TopicID
}

// newHarness registers a session on a fresh bus, with eng returned by every load
// (nil meaning no asset)
func newHarness(t *testing.T, eng *fakeEngine) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		bus:   msgbus.New(nil),
		clock: &fakeClock{now: time.Unix(1000, 0)},
		host:  &fakeHost{dmdID: 1},
	}
	t.Cleanup(h.bus.Close)

	st := settings.NewStore()
	st.Set(SettingsSection, SettingAssetFolder, "colordmd")

	load := func(folder, gameID string, flags engine.RequestFlags) (engine.Engine, error) {
		h.loads = append(h.loads, loadCall{folder, gameID, flags})
		if eng == nil {
			return nil, engine.ErrNoAsset
		}
		return eng, nil
	}

	h.session = NewSession(h.bus, st, load, WithClock(h.clock))
	if err := h.session.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	h.render = h.bus.MsgID(ControllerNamespace, GetDmdRenderMsg)
	h.identify = h.bus.MsgID(ControllerNamespace, GetDmdIdentifyMsg)
	h.src = h.bus.MsgID(ControllerNamespace, GetDmdSrcMsg)
	h.start = h.bus.MsgID(EmulatorNamespace, OnGameStartMsg)
	h.end = h.bus.MsgID(EmulatorNamespace, OnGameEndMsg)
	h.trigger = h.bus.MsgID(ColorizeNamespace, OnDmdTriggerMsg)

	if err := h.bus.Subscribe("host", h.identify, h.host.onIdentify); err != nil {
		t.Fatalf("Subscribe host failed: %v", err)
	}

	return h
}

func (h *harness) startGame(gameID string) {
	h.bus.Broadcast("host", h.start, gameID)
}

func (h *harness) endGame() {
	h.bus.Broadcast("host", h.end, nil)
}

// renderReq sends a best available render request through the bus
func (h *harness) renderReq(dmdID uint32, width, height int) *dmd.GetDmdMsg {
	m := &dmd.GetDmdMsg{DmdID: dmdID, Width: width, Height: height}
	h.bus.Broadcast("host", h.render, m)
	return m
}

// selectDmd latches dmdID while the host has no raw frame to offer
func (h *harness) selectDmd(dmdID uint32) {
	h.t.Helper()

	raw := h.host.raw
	h.host.raw = nil
	h.renderReq(dmdID, 128, 32)
	h.host.raw = raw

	if id, ok := h.session.Selected(); !ok || id != dmdID {
		h.t.Fatalf("Expected dmd %d selected, got %d (%v)", dmdID, id, ok)
	}
}

func (h *harness) identifyReq(dmdID, frameID uint32, width, height int, lum byte) {
	raw := make([]byte, width*height)
	for i := range raw {
		raw[i] = lum
	}

	h.bus.Broadcast("host", h.identify, &dmd.GetDmdMsg{
		DmdID:   dmdID,
		Frame:   raw,
		FrameID: frameID,
		Width:   width,
		Height:  height,
		Format:  dmd.FormatLum8,
	})
}

func (h *harness) state() *ColorizationState {
	h.session.lock.Lock()
	defer h.session.lock.Unlock()

	return h.session.state
}
