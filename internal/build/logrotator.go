package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

const (
	// DefaultMaxLogFiles is the default number of rotated log files
	// kept on disk.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default log file size in MB before
	// rotation.
	DefaultMaxLogFileSize = 20

	// DefaultLogFilename is the daemon's log file name.
	DefaultLogFilename = "xoscd.log"
)

// LogRotatorConfig configures the daemon's file logging.
type LogRotatorConfig struct {
	// LogDir is the directory log files are written to.
	LogDir string

	// MaxLogFiles is the number of rotated files kept; 0 disables
	// rotation.
	MaxLogFiles int

	// MaxLogFileSize is the rotation threshold in megabytes.
	MaxLogFileSize int

	// Filename overrides DefaultLogFilename when non-empty.
	Filename string
}

// RotatingLogWriter exposes a size-rotating, gzip-compressing log file as
// an io.Writer.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
}

// NewRotatingLogWriter creates an uninitialized writer; InitLogRotator
// must run before the first Write.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator creates the log directory, configures rotation, and
// starts the rotator goroutine.
func (r *RotatingLogWriter) InitLogRotator(cfg *LogRotatorConfig) error {
	filename := cfg.Filename
	if filename == "" {
		filename = DefaultLogFilename
	}

	logFile := filepath.Join(cfg.LogDir, filename)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// The rotator takes its threshold in KB; the config is in MB.
	var err error
	r.rotator, err = rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false,
		cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	r.rotator.SetCompressor(gzip.NewWriter(nil), ".gz")

	// Feed the rotator through a pipe; it is itself the log
	// destination, so its own errors can only go to stderr.
	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			fmt.Fprintf(
				os.Stderr,
				"failed to run file rotator: %v\n", err,
			)
		}
	}()
	r.pipe = pw

	return nil
}

// Write feeds the rotator; writes before initialization are discarded.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.pipe != nil {
		return r.pipe.Write(b)
	}

	return len(b), nil
}

// Close flushes and stops the rotator goroutine.
func (r *RotatingLogWriter) Close() error {
	if r.pipe != nil {
		return r.pipe.Close()
	}

	return nil
}
