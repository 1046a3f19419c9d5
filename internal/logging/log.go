// Package logging provides the coordinator's single slog entry point.
package logging

import (
	"context"
	"log/slog"
	"os"

	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

// handler is the process-wide slog handler. It's swapped for a charm handler
// when stdout is a terminal so local runs get colorized, human-friendly
// output; non-interactive runs (containers, CI) get JSON.
var handler slog.Handler

var charmLogger *charm.Logger

func init() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		charmLogger = charm.NewWithOptions(os.Stderr, charm.Options{
			ReportTimestamp: true,
			ReportCaller:    false,
		})
		handler = charmLogger
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}

// SetVerbose raises the log level to debug. Only takes effect when running
// against a terminal; the JSON handler always logs at its configured level.
func SetVerbose() {
	if charmLogger != nil {
		charmLogger.SetLevel(charm.DebugLevel)
	}
}

// Log returns a logger annotated with the request ID carried on ctx, if any,
// matching the request-scoped logging the teacher's handlers rely on.
func Log(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := middleware.GetReqID(ctx); id != "" {
		l = l.With("reqID", id)
	}
	return l
}
