package logging

import (
	"io"
	"os"
	"strings"
)

// Config selects the level and destination of the service logger.
type Config struct {
	// Level is the minimum level to emit (debug, info, warn, error, fatal).
	Level string
	// Output is the destination: stdout, stderr, or a file path.
	Output string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{Level: "info", Output: "stderr"}
}

// NewLogger builds a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return New(ParseLevel(cfg.Level), out), nil
}

// ParseLevel maps a level name to a Level, defaulting to InfoLevel for
// unknown names.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		return os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	}
}
