package logger

import (
	"context"
	"fmt"
	"go/build"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Format of log records, text or json
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

func (f *Format) UnmarshalText(text []byte) error {
	switch v := Format(strings.ToLower(string(text))); v {
	case FormatText, FormatJSON:
		*f = v
		return nil
	}

	return fmt.Errorf("log format must be json or text")
}

// Level is a slog.Level parsed from debug, info, warn or error
type Level slog.Level

func (l *Level) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "debug":
		*l = Level(slog.LevelDebug)
	case "info":
		*l = Level(slog.LevelInfo)
	case "warn":
		*l = Level(slog.LevelWarn)
	case "error":
		*l = Level(slog.LevelError)
	default:
		return fmt.Errorf("log level must be one of: debug, info, warn, error")
	}

	return nil
}

var defaultHandler *handler

// SetupSLog installs the default slog handler writing to stderr, with source file
// paths stripped of rootPath (the module root) or of GOPATH
func SetupSLog(rootPath string, format Format, level Level) error {
	h, err := newHandler(os.Stderr, rootPath, format, level)
	if err != nil {
		return err
	}

	defaultHandler = h
	slog.SetDefault(slog.New(h))

	return nil
}

// NewHandler builds the handler SetupSLog installs, writing to w
func NewHandler(w io.Writer, rootPath string, format Format, level Level) (slog.Handler, error) {
	h, err := newHandler(w, rootPath, format, level)
	if err != nil {
		return nil, err
	}

	return h, nil
}

func newHandler(w io.Writer, rootPath string, format Format, level Level) (*handler, error) {
	ho := slog.HandlerOptions{
		Level: slog.Level(level),
	}

	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, &ho)
	case FormatText, "":
		h = slog.NewTextHandler(w, &ho)
	default:
		return nil, fmt.Errorf("log format must be json or text")
	}

	gopath := os.Getenv("GOPATH")
	if gopath == "" {
		gopath = build.Default.GOPATH
	}

	return &handler{
		baseHandler: h,
		rootPath:    strings.TrimSuffix(rootPath, "/") + "/",
		goPath:      strings.TrimSuffix(gopath, "/") + "/",
	}, nil
}

type handler struct {
	baseHandler slog.Handler
	rootPath    string
	goPath      string
}

func (e *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return e.baseHandler.Enabled(ctx, level)
}

func (e *handler) Handle(ctx context.Context, record slog.Record) error {
	record = record.Clone()

	hasSource := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == slog.SourceKey {
			hasSource = true
			return false
		}

		return true
	})

	if !hasSource && record.PC != 0 {
		record.AddAttrs(e.getSourceAttr(record.PC))
	}

	return e.baseHandler.Handle(ctx, record)
}

func (e *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{
		baseHandler: e.baseHandler.WithAttrs(attrs),
		rootPath:    e.rootPath,
		goPath:      e.goPath,
	}
}

func (e *handler) WithGroup(name string) slog.Handler {
	return &handler{
		baseHandler: e.baseHandler.WithGroup(name),
		rootPath:    e.rootPath,
		goPath:      e.goPath,
	}
}

func (e *handler) trimPath(file string) string {
	if e == nil {
		return file
	}

	if strings.HasPrefix(file, e.rootPath) {
		return file[len(e.rootPath):]
	} else if strings.HasPrefix(file, e.goPath) {
		return file[len(e.goPath):]
	}

	return file
}

func (e *handler) getSourceAttr(pc uintptr) slog.Attr {
	fs := runtime.CallersFrames([]uintptr{pc})
	f, _ := fs.Next()

	return slog.Any(slog.SourceKey, slog.Source{
		Function: f.Function,
		File:     e.trimPath(f.File),
		Line:     f.Line,
	})
}

// GetSourceAttr returns the source attribute of the caller skipFrames above the
// function calling it. Paths are left untouched until SetupSLog has run.
func GetSourceAttr(skipFrames int) slog.Attr {
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, skipFrames...]
	runtime.Callers(2+skipFrames, pcs[:])

	return defaultHandler.getSourceAttr(pcs[0])
}
