package logging

import (
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultFilter keeps the controller at info and quiets the client library.
const DefaultFilter = "info,kube=warn"

// LevelTrace is below debug; client-go's verbose V-levels land here.
const LevelTrace = slog.LevelDebug - 4

// LevelOff disables a module entirely.
const LevelOff = slog.Level(1 << 10)

// Filter maps modules to minimum levels.
type Filter struct {
	Default slog.Level
	Modules map[string]slog.Level
}

// ParseFilter parses a comma-separated filter expression. Each entry is either
// a bare level, which sets the default, or module=level. Later entries win.
// An empty expression yields info for everything.
func ParseFilter(expr string) (Filter, error) {
	filter := Filter{Default: slog.LevelInfo, Modules: map[string]slog.Level{}}

	for raw := range strings.SplitSeq(expr, ",") {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}

		module, levelName, scoped := strings.Cut(part, "=")
		if !scoped {
			level, err := ParseLevel(part)
			if err != nil {
				return Filter{}, err
			}

			filter.Default = level

			continue
		}

		module = strings.TrimSpace(module)
		if module == "" {
			return Filter{}, errors.Newf("filter entry %q has no module name", part)
		}

		level, err := ParseLevel(strings.TrimSpace(levelName))
		if err != nil {
			return Filter{}, errors.Wrapf(err, "module %q", module)
		}

		filter.Modules[module] = level
	}

	return filter, nil
}

// ParseLevel parses a level name.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off", "none":
		return LevelOff, nil
	default:
		return 0, errors.Newf("unknown log level %q", name)
	}
}

// Level returns the minimum level for module. A dotted module such as
// "cache.watch" falls back to "cache" when it has no entry of its own.
func (f Filter) Level(module string) slog.Level {
	for name := module; name != ""; {
		if level, ok := f.Modules[name]; ok {
			return level
		}

		idx := strings.LastIndex(name, ".")
		if idx < 0 {
			break
		}

		name = name[:idx]
	}

	return f.Default
}

// Lowest returns the most verbose level any module is configured for.
func (f Filter) Lowest() slog.Level {
	lowest := f.Default
	for _, level := range f.Modules {
		lowest = min(lowest, level)
	}

	return lowest
}

// String renders the filter back into expression form.
func (f Filter) String() string {
	parts := []string{levelName(f.Default)}

	for _, module := range slices.Sorted(maps.Keys(f.Modules)) {
		parts = append(parts, module+"="+levelName(f.Modules[module]))
	}

	return strings.Join(parts, ",")
}

func levelName(level slog.Level) string {
	switch level {
	case LevelTrace:
		return "trace"
	case LevelOff:
		return "off"
	default:
		return strings.ToLower(level.String())
	}
}
