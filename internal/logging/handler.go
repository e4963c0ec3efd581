package logging

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
)

// NewHandler returns a console handler writing to w with the given prefix,
// wrapped so correlation IDs from the context are attached to each record.
// An unknown level falls back to info.
func NewHandler(w io.Writer, name, level string) slog.Handler {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	return NewCorrelationHandler(log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           lvl,
	}))
}

// New returns a logger backed by NewHandler.
func New(w io.Writer, name, level string) *slog.Logger {
	return slog.New(NewHandler(w, name, level))
}

// Discard returns a logger that drops every record. Used as the default for
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
