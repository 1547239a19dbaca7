package log

import (
	"os"
	"path/filepath"
	"sync"
)

// FileExtension is the conventional extension of protocol log files.
const FileExtension = ".klog"

// FileLogger appends protocol events to a .klog file. It is safe for
// concurrent use.
type FileLogger struct {
	path string

	mu      sync.Mutex
	f       *os.File // nil once closed
	written int
	size    int64
}

// NewFileLogger opens path for appending. Missing parent directories are
// created.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{path: path, f: f}, nil
}

func (l *FileLogger) Path() string { return l.path }

// Log appends event. Events that fail to encode or write are dropped.
func (l *FileLogger) Log(event Event) {
	// Encode outside the lock; each event is then a single write.
	data, err := EncodeEvent(event)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	n, err := l.f.Write(data)
	l.size += int64(n)
	if err == nil {
		l.written++
	}
}

// Written returns the number of events written since the logger was opened.
func (l *FileLogger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Size returns the number of bytes appended since the logger was opened.
func (l *FileLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close flushes and closes the file. Later Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	err := f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Logger = (*FileLogger)(nil)
