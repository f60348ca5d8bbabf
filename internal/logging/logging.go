package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// console is where human-readable output goes; swapped in tests
var console io.Writer = os.Stderr

// Setup configures the global zerolog logger with a console writer and the
// given level (debug, info, warn, error, critical)
func Setup(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(consoleWriter()).With().Timestamp().Logger()
	return nil
}

// ParseLevel accepts zerolog level names plus "critical" and "warning"
func ParseLevel(level string) (zerolog.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return zerolog.WarnLevel, nil
	case "critical":
		return zerolog.FatalLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	default:
		lvl, err := zerolog.ParseLevel(l)
		if err != nil || lvl == zerolog.NoLevel {
			return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
		}
		return lvl, nil
	}
}

func consoleWriter() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
}
