// Package logsplit routes logrus entries to different writers by level, so
// errors land on stderr while progress goes to stdout.
package logsplit

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hook writes formatted entries of its levels to a single writer. logrus only
// fires it for the levels it registers.
type Hook struct {
	mu     sync.Mutex
	output io.Writer
	levels []logrus.Level
}

func NewHook(output io.Writer, levels ...logrus.Level) *Hook {
	return &Hook{output: output, levels: levels}
}

func (hook *Hook) Fire(entry *logrus.Entry) error {
	line, err := entry.Bytes()
	if err != nil {
		return err
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	_, err = hook.output.Write(line)
	return err
}

func (hook *Hook) Levels() []logrus.Level {
	return hook.levels
}

// Install discards the logger's own output and splits entries between stdout
// (warn and below) and stderr (error and above).
func Install(logger *logrus.Logger) {
	logger.SetOutput(io.Discard)
	logger.AddHook(NewHook(os.Stdout,
		logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel))
	logger.AddHook(NewHook(os.Stderr,
		logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel))
}
