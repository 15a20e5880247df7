package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar is the environment variable holding a log spec.
const EnvVar = "PKTCOUNT_LOG"

// Format represents the log output format.
type Format string

const (
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = "json"
)

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures the logger factory.
type Options struct {
	// CLISpec is the log spec from command line flag (highest precedence).
	CLISpec string
	// EnvSpec is the log spec from the environment.
	EnvSpec string
	// ConfigSpec is the log spec from config file.
	ConfigSpec string
	// DefaultSpec is used when none of the above is set. Empty means
	// "info".
	DefaultSpec string
	// Format is the output format (text or json).
	Format Format
	// Output is the writer for log output. Defaults to os.Stdout.
	Output io.Writer
}

// ResolveSpec picks the spec string by precedence:
// CLISpec > EnvSpec > ConfigSpec > DefaultSpec.
func (o Options) ResolveSpec() string {
	for _, s := range []string{o.CLISpec, o.EnvSpec, o.ConfigSpec, o.DefaultSpec} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// New creates a new slog.Logger with component-level filtering.
func New(opts Options) (*slog.Logger, error) {
	logger, _, err := NewControlled(opts)
	return logger, err
}

// NewControlled is New, also returning the Controller that can change
// the logger's spec later (for example on configuration reload).
func NewControlled(opts Options) (*slog.Logger, *Controller, error) {
	spec, err := ParseSpec(opts.ResolveSpec())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		// Lowest possible level so the filtering handler decides.
		Level: LevelTrace.ToSlog(),
	}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	ctl := NewController(spec)
	return slog.New(NewControlledHandler(inner, ctl)), ctl, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
