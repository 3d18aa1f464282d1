package logging

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures size-based rotation of the log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Output returns the writer for opts: stdout when Path is empty, otherwise a rotating file.
// The returned closer must be closed on shutdown.
func Output(opts FileOptions) (io.Writer, io.Closer) {
	if opts.Path == "" {
		return os.Stdout, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return lj, lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
