// Package logging wires the config file's log settings onto
// github.com/AdguardTeam/golibs/log, including a small size-triggered
// rotation writer for the file output mode.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/log"

	"github.com/Jackchen0514/sni-proxy/internal/config"
)

var levels = map[string]log.Level{
	"error": log.ERROR,
	// golibs/log has no distinct warn level; warn is aliased to ERROR, its
	// closest coarser severity.
	"warn":  log.ERROR,
	"info":  log.INFO,
	"debug": log.DEBUG,
	// golibs/log has no distinct trace level; trace is aliased to DEBUG.
	"trace": log.DEBUG,
}

// Setup configures the process-wide golibs/log logger from cfg, returning a
// closer for the underlying file (if any) that the caller should defer.
func Setup(cfg config.Log) (io.Closer, error) {
	// golibs/log has no OFF level, and log.Error writes unconditionally
	// regardless of the configured level; discarding the output is the only
	// way to fully suppress logging.
	if cfg.Level == "off" {
		log.SetOutput(io.Discard)
		return nopCloser{}, nil
	}

	level, ok := levels[cfg.Level]
	if !ok {
		return nil, fmt.Errorf("logging: unknown level %q", cfg.Level)
	}
	log.SetLevel(level)

	switch cfg.Output {
	case "stdout":
		return nopCloser{}, nil
	case "file", "both":
		return setupFile(cfg)
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}
}

func setupFile(cfg config.Log) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("logging: creating log directory: %w", err)
	}

	f, err := os.OpenFile(cfg.FilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("logging: opening log file %s: %w", cfg.FilePath, err)
	}

	var w io.Writer = f
	if cfg.EnableRotation {
		rw := &rotatingWriter{
			path:       cfg.FilePath,
			file:       f,
			maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
			maxBackups: cfg.MaxBackups,
		}
		if fi, err := f.Stat(); err == nil {
			rw.written = fi.Size()
		}
		w = rw
	}

	if cfg.Output == "both" {
		log.SetOutput(io.MultiWriter(os.Stdout, w))
	} else {
		log.SetOutput(w)
	}

	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// rotatingWriter is a minimal size-triggered log rotator: once the current
// file exceeds maxBytes, it is renamed with a numeric suffix and a fresh
// file is opened in its place, keeping at most maxBackups old files.
type rotatingWriter struct {
	path       string
	file       *os.File
	written    int64
	maxBytes   int64
	maxBackups int
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	if w.maxBytes > 0 && w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			// Rotation failure should not drop log data; keep writing to the
			// current file.
			log.Error("logging: rotation failed: %v", err)
		}
	}

	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	if w.maxBackups > 0 {
		_ = os.Remove(backupName(w.path, w.maxBackups))
		for i := w.maxBackups - 1; i >= 1; i-- {
			_ = os.Rename(backupName(w.path, i), backupName(w.path, i+1))
		}
		if err := os.Rename(w.path, backupName(w.path, 1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	w.file = f
	w.written = 0
	return nil
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}
