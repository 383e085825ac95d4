// Package player stands in for the host of the colorization plugin: it feeds raw
// frames from a dump like the emulator core does and polls rendered frames at a fixed
// rate like a display front end.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dmdcolor/internal/colorize"
	"dmdcolor/internal/dmd"
	"dmdcolor/internal/logger"
	"dmdcolor/internal/msgbus"
	"dmdcolor/internal/preview"
)

// HostID is the bus endpoint of the player
const HostID = "host"

// Stats counts what the front end displayed
type Stats struct {
	Renders   int // render requests sent
	Colorized int // frames shown colorized
	Raw       int // frames shown as raw luminance
	Triggers  int
}

type Player struct {
	bus   colorize.Bus
	feed  *Feed
	dmdID uint32
	fps   FPS
	sinks []preview.Sink
	l     *slog.Logger

	lock  sync.Locker
	stats Stats

	identify msgbus.TopicID
	render   msgbus.TopicID
	src      msgbus.TopicID
	trigger  msgbus.TopicID
}

func New(bus colorize.Bus, feed *Feed, dmdID uint32, fps FPS, l *slog.Logger, sinks ...preview.Sink) *Player {
	if l == nil {
		l = slog.Default()
	}

	return &Player{
		bus:   bus,
		feed:  feed,
		dmdID: dmdID,
		fps:   fps,
		sinks: sinks,
		l:     l.With(slog.String("component", "player")),
		lock:  &sync.Mutex{},
	}
}

// Run plays the feed until its last frame, or until ctx is done
func (p *Player) Run(ctx context.Context) error {
	p.identify = p.bus.MsgID(colorize.ControllerNamespace, colorize.GetDmdIdentifyMsg)
	p.render = p.bus.MsgID(colorize.ControllerNamespace, colorize.GetDmdRenderMsg)
	p.src = p.bus.MsgID(colorize.ControllerNamespace, colorize.GetDmdSrcMsg)
	p.trigger = p.bus.MsgID(colorize.ColorizeNamespace, colorize.OnDmdTriggerMsg)
	defer func() {
		for _, id := range []msgbus.TopicID{p.identify, p.render, p.src, p.trigger} {
			p.bus.ReleaseMsgID(id)
		}
	}()

	err := errors.Join(
		p.bus.Subscribe(HostID, p.identify, p.onIdentify),
		p.bus.Subscribe(HostID, p.trigger, p.onTrigger),
	)
	defer func() {
		p.bus.Unsubscribe(HostID, p.identify)
		p.bus.Unsubscribe(HostID, p.trigger)
	}()
	if err != nil {
		return fmt.Errorf("subscribing host: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.feed.Run(ctx)
	})
	g.Go(func() error {
		return p.renderLoop(ctx)
	})

	return g.Wait()
}

// Sources asks the bus which colorized frame sizes can be served
func (p *Player) Sources() []dmd.SrcEntry {
	m := dmd.NewGetDmdSrcMsg(8)
	p.bus.Broadcast(HostID, p.src, m)
	return m.Entries
}

// Stats returns a snapshot of the display counters
func (p *Player) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.stats
}

func (p *Player) onIdentify(_ msgbus.TopicID, msg any) {
	m, ok := msg.(*dmd.GetDmdMsg)
	if !ok || m.DmdID != p.dmdID || m.Frame != nil {
		return
	}

	f, id, ok := p.feed.Current()
	if !ok {
		return
	}

	m.Frame = f.Data
	m.FrameID = id
	m.Width = f.Width
	m.Height = f.Height
	m.Format = dmd.FormatLum8
}

func (p *Player) onTrigger(_ msgbus.TopicID, msg any) {
	trigger, _ := msg.(uint32)
	p.l.Info("DMD trigger", slog.Uint64("trigger", uint64(trigger)))

	p.lock.Lock()
	p.stats.Triggers++
	p.lock.Unlock()
}

type shown struct {
	colorized bool
	id        uint32
}

func (p *Player) renderLoop(ctx context.Context) error {
	if err := p.feed.WaitFirst(ctx); err != nil {
		return err
	}

	for _, e := range p.Sources() {
		p.l.Info("Colorized source", slog.Int("width", e.Width), slog.Int("height", e.Height),
			slog.String("format", e.Format.String()))
	}

	t := time.NewTicker(p.fps.Interval())
	defer t.Stop()

	var last *shown
	for {
		if err := p.renderOnce(&last); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.feed.Done():
			return p.renderOnce(&last)
		case <-t.C:
		}
	}
}

func (p *Player) renderOnce(last **shown) error {
	f, rawID, ok := p.feed.Current()
	if !ok {
		return nil
	}

	m := &dmd.GetDmdMsg{DmdID: p.dmdID, Width: f.Width, Height: f.Height}
	p.bus.Broadcast(HostID, p.render, m)

	cur := shown{colorized: m.Frame != nil, id: m.FrameID}
	if !cur.colorized {
		m.Frame, m.Width, m.Height, m.Format = f.Data, f.Width, f.Height, dmd.FormatLum8
		cur.id = rawID
	}

	p.lock.Lock()
	p.stats.Renders++
	p.lock.Unlock()

	if *last != nil && **last == cur {
		return nil
	}
	*last = &cur

	// m.Frame is only valid until the next render request
	img, err := preview.ToImage(m.Frame, m.Format, m.Width, m.Height)
	if err != nil {
		p.l.Error("Unusable frame: "+err.Error(), logger.GetSourceAttr(0))
		return nil
	}

	p.lock.Lock()
	if cur.colorized {
		p.stats.Colorized++
	} else {
		p.stats.Raw++
	}
	p.lock.Unlock()

	for _, s := range p.sinks {
		if err := s.Show(img); err != nil {
			return fmt.Errorf("showing frame: %w", err)
		}
	}

	return nil
}
