package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"

	"dmdcolor/internal/colorize"
	"dmdcolor/internal/dump"
	"dmdcolor/internal/engine"
	"dmdcolor/internal/engine/crz"
	"dmdcolor/internal/logger"
	"dmdcolor/internal/msgbus"
	"dmdcolor/internal/player"
	"dmdcolor/internal/preview"
	"dmdcolor/internal/settings"
)

type Play struct {
	Game        string     `arg:"" help:"Game id, names the colorization asset to load"`
	Dump        string     `arg:"" help:"Raw DMD dump to play, may be zstd compressed (.zst)" type:"existingfile"`
	AssetFolder string     `short:"a" help:"Folder holding colorization assets" default:"." env:"DMDCOLOR_ASSETS" type:"existingdir"`
	FPS         player.FPS `help:"Render rate of the emulated display" default:"60"`
	Speed       float64    `help:"Dump playback speed multiplier" default:"1"`
	DmdID       uint32     `help:"Id of the emulated DMD" default:"0"`
	BMPDir      string     `name:"bmp-dir" help:"Write every displayed frame as BMP into this folder" placeholder:"DIR"`
	Quiet       bool       `short:"q" help:"Do not draw frames on the terminal"`
	Statsview   string     `help:"Serve runtime charts on this address, at /debug/statsview" placeholder:"HOST:PORT"`
}

func (p *Play) Validate() error {
	if p.Speed <= 0 {
		return fmt.Errorf("speed must be positive")
	}

	return nil
}

func (p *Play) Run() error {
	l := slog.Default()

	if p.Statsview != "" {
		viewer.SetConfiguration(viewer.WithAddr(p.Statsview))
		mgr := statsview.New()
		go mgr.Start()
		defer mgr.Stop()
		l.Info("Runtime stats available at http://" + p.Statsview + "/debug/statsview")
	}

	frames, err := dump.Load(p.Dump)
	if err != nil {
		return err
	}
	l.Info("Dump loaded", slog.String("path", p.Dump), slog.Int("frames", len(frames)))

	var sinks []preview.Sink
	if !p.Quiet {
		sinks = append(sinks, preview.NewTerminal(os.Stdout, 0))
	}
	if p.BMPDir != "" {
		s, err := preview.NewSnapshots(p.BMPDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	defer func() {
		for _, s := range sinks {
			s.Close()
		}
	}()

	st := settings.NewStore()
	st.Set(colorize.SettingsSection, colorize.SettingAssetFolder, p.AssetFolder)

	bus := msgbus.New(l)
	defer bus.Close()

	session := colorize.NewSession(bus, st, crz.Loader(l), colorize.WithLogger(l))
	if err := session.Register(); err != nil {
		return err
	}
	defer session.Unregister()

	onStart := bus.MsgID(colorize.EmulatorNamespace, colorize.OnGameStartMsg)
	onEnd := bus.MsgID(colorize.EmulatorNamespace, colorize.OnGameEndMsg)
	defer bus.ReleaseMsgID(onStart)
	defer bus.ReleaseMsgID(onEnd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pl := player.New(bus, player.NewFeed(frames, p.Speed, l), p.DmdID, p.FPS, l, sinks...)

	bus.Broadcast(player.HostID, onStart, p.Game)
	if !session.Active() {
		l.Warn("Playing without colorization", slog.String("game", p.Game))
	}

	err = pl.Run(ctx)
	bus.Broadcast(player.HostID, onEnd, nil)

	stats := pl.Stats()
	l.Info("Playback done",
		slog.Int("renders", stats.Renders),
		slog.Int("colorized", stats.Colorized),
		slog.Int("raw", stats.Raw),
		slog.Int("triggers", stats.Triggers))

	for name, ts := range bus.Stats().Topics {
		l.Debug("Bus topic", slog.String("topic", name), slog.Uint64("broadcasts", ts.Broadcasts))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type MkAsset struct {
	Dump         string      `arg:"" help:"Raw DMD dump whose frames get colorized" type:"existingfile"`
	Out          string      `arg:"" help:"Asset file to write, conventionally <folder>/<game>/<game>.crz"`
	Mode         engine.Mode `help:"Engine mode of the asset, palette or direct" default:"palette"`
	RotateEvery  int         `help:"Give every Nth distinct frame a palette rotation, 0 for none" default:"4"`
	TriggerEvery int         `help:"Give every Nth distinct frame a lighting trigger, 0 for none" default:"0"`
}

func (m *MkAsset) Validate() error {
	if m.RotateEvery < 0 || m.TriggerEvery < 0 {
		return fmt.Errorf("rotate and trigger periods must not be negative")
	}

	return nil
}

func (m *MkAsset) Run() error {
	frames, err := dump.Load(m.Dump)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("dump %s has no frames", m.Dump)
	}

	raw := make([][]byte, 0, len(frames))
	for _, f := range frames {
		raw = append(raw, f.Data)
	}

	a, err := crz.Build(raw, frames[0].Width, frames[0].Height, crz.BuildOptions{
		Mode:         m.Mode,
		RotateEvery:  m.RotateEvery,
		TriggerEvery: m.TriggerEvery,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.Out), 0o755); err != nil {
		return err
	}
	f, err := os.Create(m.Out)
	if err != nil {
		return err
	}
	if err := a.Encode(f); err != nil {
		f.Close()
		return err
	}

	slog.Info("Asset written", slog.String("path", m.Out), slog.Int("rules", len(a.Rules)),
		slog.String("mode", a.Mode.String()))

	return f.Close()
}

type Info struct {
	Asset string `arg:"" help:"Colorization asset to describe" type:"existingfile"`
}

func (i *Info) Run() error {
	f, err := os.Open(i.Asset)
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := crz.Decode(f)
	if err != nil {
		return err
	}

	rotations, triggers := 0, 0
	for _, r := range a.Rules {
		if r.Rotation.Count > 1 && r.Rotation.Steps > 0 {
			rotations++
		}
		if r.Trigger != engine.TriggerDisabled {
			triggers++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "mode:      %s\n", a.Mode)
	fmt.Fprintf(&sb, "size:      %dx%d\n", a.Width, a.Height)
	fmt.Fprintf(&sb, "palettes:  %d\n", len(a.Palettes))
	fmt.Fprintf(&sb, "rules:     %d\n", len(a.Rules))
	fmt.Fprintf(&sb, "rotations: %d\n", rotations)
	fmt.Fprintf(&sb, "triggers:  %d\n", triggers)

	_, err = fmt.Print(sb.String())
	return err
}

func main() {
	var cli struct {
		LogFormat logger.Format `help:"Log format, text or json" default:"text" env:"LOG_FORMAT"`
		LogLevel  logger.Level  `help:"Log level: debug, info, warn or error" default:"info" env:"LOG_LEVEL"`

		Play    *Play    `cmd:"" help:"Play a raw DMD dump through the colorization pipeline"`
		MkAsset *MkAsset `cmd:"" name:"mkasset" help:"Build a demo colorization asset from a raw DMD dump"`
		Info    *Info    `cmd:"" help:"Describe a colorization asset"`
	}

	ctx := kong.Parse(&cli,
		kong.Name("dmdcolor"),
		kong.Description("DMD colorization - play raw pinball DMD dumps through a colorization engine"),
		kong.UsageOnError(),
	)

	_, thisFile, _, _ := runtime.Caller(0)
	if err := logger.SetupSLog(path.Dir(path.Dir(thisFile)), cli.LogFormat, cli.LogLevel); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err := ctx.Run()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
