// Package colorize turns the raw luminance DMD frames of an emulated pinball
// machine into colorized frames, using a decode engine loaded for the running game.
//
// A Session plugs into the host message bus. On game start it loads the engine and
// answers three requests: frame identification (a raw frame is available), frame
// render (a front end wants the frame to display) and source enumeration (which
// resolutions can be served). Every render first pulls the latest raw frame through
// the bus and identifies it, then catches up the palette rotation in progress
// before answering with the best matching output.
package colorize

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dmdcolor/internal/dmd"
	"dmdcolor/internal/engine"
	"dmdcolor/internal/logger"
	"dmdcolor/internal/msgbus"
	"dmdcolor/internal/settings"
)

// EndpointID is the bus endpoint of the colorization plugin
const EndpointID = "colorize"

// Settings consumed at game start
const (
	SettingsSection    = "colorize"
	SettingAssetFolder = "asset_folder"
)

// Topic names
const (
	ControllerNamespace = "Controller"
	GetDmdSrcMsg        = "GetDmdSrc"
	GetDmdRenderMsg     = "GetDmdRender"
	GetDmdIdentifyMsg   = "GetDmdIdentify"

	EmulatorNamespace = "PinMame"
	OnGameStartMsg    = "OnGameStart"
	OnGameEndMsg      = "OnGameEnd"

	ColorizeNamespace = "Colorize"
	OnDmdTriggerMsg   = "OnDmdTrigger"
)

// minSelectWidth keeps the session from latching onto a small auxiliary display
const minSelectWidth = 128

// Bus is the part of the host message bus a Session uses
type Bus interface {
	MsgID(namespace, name string) msgbus.TopicID
	ReleaseMsgID(id msgbus.TopicID) error
	Subscribe(id string, topic msgbus.TopicID, handler msgbus.Handler) error
	Unsubscribe(id string, topic msgbus.TopicID) error
	Broadcast(from string, topic msgbus.TopicID, msg any) int
}

type topics struct {
	getSrc      msgbus.TopicID
	getRender   msgbus.TopicID
	getIdentify msgbus.TopicID
	onGameStart msgbus.TopicID
	onGameEnd   msgbus.TopicID
	onTrigger   msgbus.TopicID
}

// Session is the colorization plugin state for one host. It MUST NOT be copied.
// Safe for concurrent use: identify, render, enumeration and lifecycle events are
// serialised.
type Session struct {
	bus      Bus
	settings settings.Getter
	load     engine.Loader
	clock    Clock
	l        *slog.Logger

	lock       sync.Locker
	topics     topics
	registered bool

	engine    engine.Engine
	refresher refresher
	state     *ColorizationState

	dmdSelected    bool
	dmdID          uint32
	lastRawFrameID uint32

	// last frame version of a dropped state, new states count on from it
	frameVersion uint32
}

// Option customises a Session
type Option func(*Session)

// WithClock replaces the system clock
func WithClock(c Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithLogger replaces slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.l = l
	}
}

// NewSession creates an unregistered session. load is called at every game start.
func NewSession(bus Bus, st settings.Getter, load engine.Loader, opts ...Option) *Session {
	s := &Session{
		bus:      bus,
		settings: st,
		load:     load,
		clock:    systemClock{},
		l:        slog.Default(),
		lock:     &sync.Mutex{},
	}

	for _, o := range opts {
		o(s)
	}

	s.l = s.l.With(slog.String("component", "colorize"))

	return s
}

// Register resolves the topics and listens to game start and end
func (s *Session) Register() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.registered {
		return nil
	}

	s.topics = topics{
		getSrc:      s.bus.MsgID(ControllerNamespace, GetDmdSrcMsg),
		getRender:   s.bus.MsgID(ControllerNamespace, GetDmdRenderMsg),
		getIdentify: s.bus.MsgID(ControllerNamespace, GetDmdIdentifyMsg),
		onGameStart: s.bus.MsgID(EmulatorNamespace, OnGameStartMsg),
		onGameEnd:   s.bus.MsgID(EmulatorNamespace, OnGameEndMsg),
		onTrigger:   s.bus.MsgID(ColorizeNamespace, OnDmdTriggerMsg),
	}

	err := errors.Join(
		s.bus.Subscribe(EndpointID, s.topics.onGameStart, s.onGameStart),
		s.bus.Subscribe(EndpointID, s.topics.onGameEnd, s.onGameEnd),
	)
	if err != nil {
		s.bus.Unsubscribe(EndpointID, s.topics.onGameStart)
		s.bus.Unsubscribe(EndpointID, s.topics.onGameEnd)
		s.releaseTopics()
		return fmt.Errorf("registering colorization plugin: %w", err)
	}

	s.registered = true
	return nil
}

// Unregister ends the running game, if any, and detaches from the bus
func (s *Session) Unregister() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.registered {
		return
	}

	s.endGame()
	s.bus.Unsubscribe(EndpointID, s.topics.onGameStart)
	s.bus.Unsubscribe(EndpointID, s.topics.onGameEnd)
	s.releaseTopics()
	s.registered = false
}

func (s *Session) releaseTopics() {
	for _, id := range []msgbus.TopicID{
		s.topics.getSrc, s.topics.getRender, s.topics.getIdentify,
		s.topics.onGameStart, s.topics.onGameEnd, s.topics.onTrigger,
	} {
		if err := s.bus.ReleaseMsgID(id); err != nil {
			s.l.Debug("Failed to release topic: "+err.Error(), slog.Uint64("topic", uint64(id)))
		}
	}
	s.topics = topics{}
}

func (s *Session) onGameStart(_ msgbus.TopicID, msg any) {
	gameID, ok := msg.(string)
	if !ok {
		s.l.Error(fmt.Sprintf("Game start without game id: %T", msg), logger.GetSourceAttr(0))
		return
	}

	// failures are already logged, the game simply runs uncolorized
	_ = s.StartGame(gameID)
}

func (s *Session) onGameEnd(msgbus.TopicID, any) {
	s.EndGame()
}

// StartGame loads the engine for gameID and starts answering DMD requests. An engine
// still loaded from a previous game is disposed first.
func (s *Session) StartGame(gameID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.endGame()

	folder := settings.GetOrDefault(s.settings, SettingsSection, SettingAssetFolder, "")
	l := s.l.With(slog.String("game", gameID), slog.String("folder", folder))

	e, err := s.load(folder, gameID, engine.Request32|engine.Request64)
	s.dmdSelected = false
	s.lastRawFrameID = 0
	if err != nil {
		l.Warn("No colorization for game: " + err.Error())
		return err
	}

	if m := e.Mode(); m != engine.ModePaletteIndex && m != engine.ModeDirectColor {
		e.Close()
		err = fmt.Errorf("unsupported engine mode %d", m)
		l.Error("No colorization for game: "+err.Error(), logger.GetSourceAttr(0))
		return err
	}

	err = errors.Join(
		s.bus.Subscribe(EndpointID, s.topics.getSrc, s.onGetSrc),
		s.bus.Subscribe(EndpointID, s.topics.getRender, s.onGetRender),
		s.bus.Subscribe(EndpointID, s.topics.getIdentify, s.onGetIdentify),
	)
	if err != nil {
		s.unsubscribeRequests()
		e.Close()
		l.Error("Failed to subscribe DMD requests: "+err.Error(), logger.GetSourceAttr(0))
		return err
	}

	s.engine = e
	s.refresher = refresherFor(e.Mode())

	l.Info("Colorization loaded", slog.String("mode", e.Mode().String()))

	return nil
}

// EndGame disposes the engine and stops answering DMD requests. Calling it without
// a running game is a no-op.
func (s *Session) EndGame() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.endGame()
}

func (s *Session) endGame() {
	if s.engine == nil {
		return
	}

	s.dropState()
	s.unsubscribeRequests()

	if err := s.engine.Close(); err != nil {
		s.l.Error("Failed to dispose engine: "+err.Error(), logger.GetSourceAttr(0))
	}

	s.engine = nil
	s.refresher = nil
	s.dmdSelected = false
	s.dmdID = 0

	s.l.Info("Colorization unloaded")
}

func (s *Session) unsubscribeRequests() {
	for _, id := range []msgbus.TopicID{s.topics.getSrc, s.topics.getRender, s.topics.getIdentify} {
		if err := s.bus.Unsubscribe(EndpointID, id); err != nil && !errors.Is(err, msgbus.ErrSubscriberNotFound) {
			s.l.Debug("Failed to unsubscribe: "+err.Error(), slog.Uint64("topic", uint64(id)))
		}
	}
}

// Selected returns the DMD the session latched onto, if any
func (s *Session) Selected() (uint32, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.dmdID, s.dmdSelected
}

// Active reports whether a game is running with colorization
func (s *Session) Active() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.engine != nil
}

// dropState releases the live state, keeping its frame version. Callers hold the lock.
func (s *Session) dropState() {
	if s.state == nil {
		return
	}

	s.frameVersion = s.state.frameVersion
	s.state.release()
	s.state = nil
}

// broadcastTrigger must be called without the lock, topic read while holding it
func (s *Session) broadcastTrigger(topic msgbus.TopicID, trigger uint32) {
	if trigger == engine.TriggerDisabled {
		return
	}

	s.bus.Broadcast(EndpointID, topic, trigger)
}

func (s *Session) onGetIdentify(_ msgbus.TopicID, msg any) {
	if m, ok := msg.(*dmd.GetDmdMsg); ok {
		s.Identify(m)
	}
}

func (s *Session) onGetRender(_ msgbus.TopicID, msg any) {
	if m, ok := msg.(*dmd.GetDmdMsg); ok {
		s.Render(m)
	}
}

func (s *Session) onGetSrc(_ msgbus.TopicID, msg any) {
	if m, ok := msg.(*dmd.GetDmdSrcMsg); ok {
		s.Sources(m)
	}
}
