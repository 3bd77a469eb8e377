package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls file rotation. Zero values fall back to the defaults below.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 28
)

// NewWriter returns a size-rotated log file at path.
// A path of "-" or "" disables file output and returns a writer that discards everything.
func NewWriter(path string, opts Options) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return nopWriteCloser{Writer: io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = defaultMaxSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = defaultMaxBackups
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = defaultMaxAgeDays
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
