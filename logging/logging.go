package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

// Harvest runs log every probe; cap the daemon log and keep one backup.
const maxLogSize = 4 * 1024 * 1024 // 4MB

// RotatingWriter is a size-capped log file with a single .1 backup.
type RotatingWriter struct {
	mu   sync.Mutex
	file *os.File
	path string
	size int64
}

// Setup opens the daemon log and points the standard logger at both
// stdout and the file.
func Setup(logPath string) (*RotatingWriter, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	rw := &RotatingWriter{
		file: f,
		path: logPath,
		size: size,
	}
	if size > maxLogSize {
		rw.mu.Lock()
		rw.rotate()
		rw.mu.Unlock()
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rw))
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > maxLogSize {
		w.rotate()
	}

	return n, err
}

// rotate is called with the mutex held.
func (w *RotatingWriter) rotate() {
	w.file.Close()
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
