// Package logutil builds the slog handler used by the qstress CLI.
package logutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	JSONFormat   = "json"
	TextFormat   = "text"
	LogfmtFormat = "logfmt"
)

var (
	ErrInvalidLevel  = errors.New("invalid log level")
	ErrInvalidFormat = errors.New("invalid log format")
)

// CreateHandler creates a [slog.Handler] writing to w from level and format
// strings. Level is one of debug, info, warn, error; format one of text,
// logfmt, json.
func CreateHandler(w io.Writer, level, format string) (slog.Handler, error) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidLevel, level, err)
	}

	var formatter log.Formatter
	switch strings.ToLower(format) {
	case TextFormat, "":
		formatter = log.TextFormatter
	case LogfmtFormat:
		formatter = log.LogfmtFormatter
	case JSONFormat:
		formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidFormat, format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
	}), nil
}
