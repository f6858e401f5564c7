package logging

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatText    = "text"
	FormatConsole = "console"
)

// KubeModule is the module that client library output is logged under.
const KubeModule = "kube"

// New builds a logger writing to out in format, filtered by filter.
func New(out io.Writer, format string, filter Filter) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: filter.Lowest(),
	}

	var handler slog.Handler

	switch format {
	case FormatJSON, "":
		handler = slog.NewJSONHandler(out, opts)
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	case FormatConsole:
		handler = newConsoleHandler(out, false)
	default:
		return nil, errors.Newf("unknown log format %q (want %s, %s or %s)", format, FormatJSON, FormatText, FormatConsole)
	}

	return slog.New(NewFilterHandler(handler, filter)), nil
}

// Install makes logger the process default and routes klog and
// controller-runtime output into it under the kube module.
func Install(logger *slog.Logger) {
	slog.SetDefault(logger)

	kube := logr.FromSlogHandler(Module(logger, KubeModule).Handler())
	klog.SetLogger(kube)
	ctrl.SetLogger(kube)
}
