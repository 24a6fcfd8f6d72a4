package runstate

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger returns the logger used by services, engines, and worker pools
// during development: slog over a tint handler on stdout, colorized when
// stdout is a terminal. Pass it in through WithLogger or Pool.SetLogger;
// without it, run lifecycle logs fall through to slog.Default.
func NewLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	}))
}

// NewJSONLogger returns a JSON logger for deployed workers, where
// transition and sweep logs are shipped to a collector rather than read
// off a terminal.
func NewJSONLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
