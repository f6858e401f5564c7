package logging

import (
	"context"
	"log/slog"
)

// ModuleKey is the attribute that names a logger's module.
const ModuleKey = "logger"

// Module returns a logger tagged with the module name.
func Module(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(ModuleKey, name)
}

// filterHandler drops records below the level configured for its module.
type filterHandler struct {
	inner  slog.Handler
	filter Filter
	module string
}

// NewFilterHandler wraps inner so that records are filtered per module. The
// inner handler must accept every level the filter lets through.
func NewFilterHandler(inner slog.Handler, filter Filter) slog.Handler {
	return &filterHandler{inner: inner, filter: filter}
}

func (h *filterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.filter.Level(h.module) && h.inner.Enabled(ctx, level)
}

//nolint:gocritic // slog.Handler signature passes Record by value
func (h *filterHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.inner.Handle(ctx, record) //nolint:wrapcheck // pass-through handler
}

func (h *filterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	module := h.module

	for _, attr := range attrs {
		if attr.Key == ModuleKey {
			module = attr.Value.String()
		}
	}

	return &filterHandler{inner: h.inner.WithAttrs(attrs), filter: h.filter, module: module}
}

func (h *filterHandler) WithGroup(name string) slog.Handler {
	return &filterHandler{inner: h.inner.WithGroup(name), filter: h.filter, module: h.module}
}
