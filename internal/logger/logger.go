// Package logger provides the configured zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

type stackTracer interface{ StackTrace() pkgerrors.StackTrace }

// New returns a logger tagged with the service name. level is a zerolog level
// name ("debug", "info", ...); unknown values fall back to info. pretty switches
// to a human readable console writer.
func New(serviceName, level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, serviceName, level, pretty)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, serviceName, level string, pretty bool) zerolog.Logger {
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		if _, ok := err.(stackTracer); !ok {
			err = pkgerrors.WithStack(err)
		}
		return zpkgerrors.MarshalStack(err)
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}
