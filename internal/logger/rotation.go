package logger

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000"

// RotatingWriter appends to a log file and moves it aside once it grows past
// a size limit. Backups are named <file>.<timestamp>, optionally gzipped,
// and pruned once older than maxAge days. It is safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64
	maxAge   int
	compress bool
	now      func() time.Time

	file *os.File
	size int64
}

// NewRotatingWriter opens filename for appending, creating its directory.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     filename,
		limit:    int64(maxSizeMB) << 20,
		maxAge:   maxAge,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the
// limit. A single line larger than the limit still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file. Further writes fail.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Rotate forces a rotation regardless of size.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.file = nil

	backup := w.path + "." + w.now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		return errors.Join(fmt.Errorf("failed to rotate log file: %w", err), w.open())
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.compress {
		// A failed gzip leaves the plain backup in place.
		_ = gzipFile(backup)
	}
	w.prune()
	return nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gz, src)
	if err := errors.Join(copyErr, gz.Close(), dst.Close()); err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

// backups returns the rotated files belonging to this writer.
func (w *RotatingWriter) backups() []string {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	prefix := w.path + "."
	out := matches[:0]
	for _, m := range matches {
		if strings.HasPrefix(m, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// prune removes backups last modified more than maxAge days ago.
func (w *RotatingWriter) prune() int {
	if w.maxAge <= 0 {
		return 0
	}
	cutoff := w.now().AddDate(0, 0, -w.maxAge)
	removed := 0
	for _, path := range w.backups() {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed
}
