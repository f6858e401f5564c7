package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/rs/zerolog"
)

// consoleHandler renders slog records through zerolog's ConsoleWriter for
// human-readable local output.
type consoleHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	groups []string
}

func newConsoleHandler(out io.Writer, noColor bool) *consoleHandler {
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    noColor,
	}

	return &consoleHandler{logger: zerolog.New(writer)}
}

func (h *consoleHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

//nolint:gocritic // slog.Handler signature passes Record by value
func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	event := h.logger.WithLevel(zerologLevel(record.Level))
	if !record.Time.IsZero() {
		event = event.Time(zerolog.TimestampFieldName, record.Time)
	}

	for _, attr := range h.attrs {
		event = appendAttr(event, "", attr)
	}

	prefix := groupPrefix(h.groups)

	record.Attrs(func(attr slog.Attr) bool {
		event = appendAttr(event, prefix, attr)

		return true
	})

	event.Msg(record.Message)

	return nil
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := groupPrefix(h.groups)
	next := &consoleHandler{logger: h.logger, groups: h.groups}
	next.attrs = append(next.attrs, h.attrs...)

	for _, attr := range attrs {
		attr.Key = prefix + attr.Key
		next.attrs = append(next.attrs, attr)
	}

	return next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := &consoleHandler{logger: h.logger, attrs: h.attrs}
	next.groups = append(append(next.groups, h.groups...), name)

	return next
}

func groupPrefix(groups []string) string {
	prefix := ""
	for _, group := range groups {
		prefix += group + "."
	}

	return prefix
}

func appendAttr(event *zerolog.Event, prefix string, attr slog.Attr) *zerolog.Event {
	value := attr.Value.Resolve()
	key := prefix + attr.Key

	switch value.Kind() {
	case slog.KindGroup:
		for _, member := range value.Group() {
			event = appendAttr(event, key+".", member)
		}

		return event
	case slog.KindString:
		return event.Str(key, value.String())
	case slog.KindInt64:
		return event.Int64(key, value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, value.Float64())
	case slog.KindBool:
		return event.Bool(key, value.Bool())
	case slog.KindDuration:
		return event.Dur(key, value.Duration())
	case slog.KindTime:
		return event.Time(key, value.Time())
	default:
		if err, ok := value.Any().(error); ok {
			return event.AnErr(key, err)
		}

		return event.Interface(key, value.Any())
	}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	case level >= slog.LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

