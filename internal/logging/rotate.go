// Package logging provides the size-based rotating writer used for
// per-camera encoder stderr logs, and the slog setup shared by every
// supervised loop.
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the default size threshold before rotation.
	DefaultMaxSize = 10 * 1024 * 1024

	// DefaultMaxFiles is the default number of rotated files retained.
	DefaultMaxFiles = 5
)

// RotatingWriter is an io.WriteCloser that rotates to `<path>.N` (optionally
// gzip-compressed) once the active file exceeds maxSize.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// Option configures a RotatingWriter.
type Option func(*RotatingWriter)

// WithMaxSize overrides the default rotation threshold.
func WithMaxSize(size int64) Option { return func(w *RotatingWriter) { w.maxSize = size } }

// WithMaxFiles overrides the default retention count.
func WithMaxFiles(n int) Option { return func(w *RotatingWriter) { w.maxFiles = n } }

// WithCompression enables gzip compression of rotated files.
func WithCompression(enable bool) Option { return func(w *RotatingWriter) { w.compress = enable } }

// NewRotatingWriter opens (creating if necessary) a rotating log file.
func NewRotatingWriter(path string, opts ...Option) (*RotatingWriter, error) {
	w := &RotatingWriter{path: path, maxSize: DefaultMaxSize, maxFiles: DefaultMaxFiles}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer, rotating first if the write would overflow
// maxSize.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		_ = w.rotate() // best effort; prefer overrunning size to losing logs
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file.
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

// Rotate forces an immediate rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if w.compress {
		go w.compressFile(rotated)
	}
	w.cleanup()
	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath, newPath := w.rotatedPath(i), w.rotatedPath(i+1)
		for _, ext := range []string{"", ".gz"} {
			old, new := oldPath+ext, newPath+ext
			if _, err := os.Stat(old); err == nil {
				if err := os.Rename(old, new); err != nil {
					return fmt.Errorf("shift log file %s -> %s: %w", old, new, err)
				}
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string { return fmt.Sprintf("%s.%d", w.path, n) }

func (w *RotatingWriter) compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath)
	if err != nil {
		return
	}
	defer gzFile.Close()

	gw := gzip.NewWriter(gzFile)
	if _, err := gw.Write(data); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	if err := gw.Close(); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	_ = os.Remove(path)
}

func (w *RotatingWriter) cleanup() {
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		_ = os.Remove(w.rotatedPath(i))
		_ = os.Remove(w.rotatedPath(i) + ".gz")
	}
}

// Size returns the current active-file size.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// EncoderLogWriter builds the rotating writer for one camera's encoder
// session stderr, sanitizing the camera id and session kind ("stream" or
// "recording") into a filesystem-safe filename.
func EncoderLogWriter(logDir, cameraID, sessionKind string, opts ...Option) (io.WriteCloser, error) {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, cameraID)

	path := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", sessionKind, safe))
	return NewRotatingWriter(path, opts...)
}

// RotatedFile describes one rotated log file.
type RotatedFile struct {
	Path       string
	ModTime    time.Time
	Size       int64
	Compressed bool
}

// ListRotatedFiles returns the rotated siblings of basePath, newest first.
func ListRotatedFiles(basePath string) ([]RotatedFile, error) {
	dir, base := filepath.Dir(basePath), filepath.Base(basePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []RotatedFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, RotatedFile{
			Path:       filepath.Join(dir, entry.Name()),
			ModTime:    info.ModTime(),
			Size:       info.Size(),
			Compressed: strings.HasSuffix(entry.Name(), ".gz"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })
	return files, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// NewLogger builds the process-wide slog.Logger. When dir is empty, logs go
// to stdout only; otherwise a rotating file sink at dir/camguard.log is
// added alongside stdout.
func NewLogger(dir string) (*slog.Logger, io.Closer, error) {
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dir == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts)), noopCloser{}, nil
	}

	w, err := NewRotatingWriter(filepath.Join(dir, "camguard.log"),
		WithMaxSize(DefaultMaxSize), WithMaxFiles(DefaultMaxFiles), WithCompression(true))
	if err != nil {
		return nil, nil, fmt.Errorf("create daemon log writer: %w", err)
	}
	mw := io.MultiWriter(os.Stdout, w)
	return slog.New(slog.NewTextHandler(mw, handlerOpts)), w, nil
}
