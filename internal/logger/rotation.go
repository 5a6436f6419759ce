package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405.000"

// RotationOptions bounds the size and number of log files.
type RotationOptions struct {
	MaxSizeMB  int  // size that triggers rotation, <= 0 disables it
	MaxAgeDays int  // backups older than this are removed, <= 0 keeps them
	MaxBackups int  // newest backups kept, <= 0 keeps all
	Compress   bool // gzip backups
}

// RotatingWriter appends to a log file and moves it aside as
// "<file>.<timestamp>" once it would exceed the size limit.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	opts RotationOptions
	file *os.File
	size int64

	// background compression and pruning
	bg sync.WaitGroup
}

// NewRotatingWriter opens path for appending and prunes stale backups.
func NewRotatingWriter(path string, opts RotationOptions) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, opts: opts}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
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

func (w *RotatingWriter) limit() int64 {
	return int64(w.opts.MaxSizeMB) << 20
}

// Write appends p, rotating first when p would overflow a non-empty file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if max := w.limit(); max > 0 && w.size > 0 && w.size+int64(len(p)) > max {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	return err
}

// rotate moves the current file aside. Caller holds mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.path + "." + time.Now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if w.opts.Compress {
			// A failed compression leaves the plain backup in place.
			_ = gzipFile(backup)
		}
		w.prune()
	}()
	return nil
}

// backups returns the rotated files, newest first.
func (w *RotatingWriter) backups() []string {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (w *RotatingWriter) prune() {
	cutoff := time.Time{}
	if w.opts.MaxAgeDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -w.opts.MaxAgeDays)
	}

	kept := 0
	for _, path := range w.backups() {
		stamp := strings.TrimSuffix(strings.TrimPrefix(path, w.path+"."), ".gz")
		taken, err := time.ParseInLocation(backupTimeFormat, stamp, time.Local)
		if err != nil {
			continue
		}
		expired := !cutoff.IsZero() && taken.Before(cutoff)
		excess := w.opts.MaxBackups > 0 && kept >= w.opts.MaxBackups
		if expired || excess {
			os.Remove(path)
			continue
		}
		kept++
	}
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name + ".gz")
		return err
	}
	return os.Remove(name)
}
