package upload

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

const sniffLen = 3072

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// FileWriter persists an upload of a known size to a single file. Chunks are
// queued in arrival order and written by one goroutine; when the last byte is
// on disk (or the write fails, or Cancel is called) the completion callback
// runs once on that goroutine. Partial files are removed on failure.
type FileWriter struct {
	fs   afero.Fs
	path string
	size int64

	queue    chan Chunk
	cancel   chan struct{}
	stopping chan struct{}

	mu     sync.RWMutex
	closed bool

	startOnce    sync.Once
	cancelOnce   sync.Once
	completeOnce sync.Once
	onComplete   func(Outcome)
}

// NewFileWriter returns a writer for size bytes at path on fs. queueDepth
// bounds the chunks buffered ahead of the disk.
func NewFileWriter(fs afero.Fs, path string, size int64, queueDepth int, onComplete func(Outcome)) *FileWriter {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &FileWriter{
		fs:         fs,
		path:       path,
		size:       size,
		queue:      make(chan Chunk, queueDepth),
		cancel:     make(chan struct{}),
		stopping:   make(chan struct{}),
		onComplete: onComplete,
	}
}

// Start launches the write goroutine.
func (w *FileWriter) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Process queues c, blocking while the queue is full.
func (w *FileWriter) Process(c Chunk) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		c.Release()
		return ErrWriterClosed
	}
	select {
	case w.queue <- c:
		return nil
	case <-w.stopping:
		c.Release()
		return ErrWriterClosed
	}
}

// Cancel stops the writer at its next chunk boundary.
func (w *FileWriter) Cancel() {
	w.cancelOnce.Do(func() {
		close(w.cancel)
	})
}

func (w *FileWriter) run() {
	outcome := w.write()
	w.shutdown()
	if !outcome.Success() {
		if err := w.fs.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			outcome.Err = errors.Join(outcome.Err, fmt.Errorf("remove partial file: %w", err))
		}
	}
	w.complete(outcome)
}

func (w *FileWriter) write() Outcome {
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Outcome{Err: fmt.Errorf("create file: %w", err)}
	}

	hash := crc32.New(crc32cTable)
	head := make([]byte, 0, sniffLen)
	var written int64

	fail := func(err error) Outcome {
		_ = f.Close()
		return Outcome{Err: err, Written: written}
	}

	for written < w.size {
		select {
		case <-w.cancel:
			return fail(ErrCancelled)
		case c := <-w.queue:
			data := c.Bytes()
			if written+int64(len(data)) > w.size {
				c.Release()
				return fail(ErrOverflow)
			}
			n, err := f.Write(data)
			hash.Write(data[:n])
			if room := sniffLen - len(head); room > 0 {
				head = append(head, data[:min(room, n)]...)
			}
			written += int64(n)
			c.Release()
			if err != nil {
				return fail(fmt.Errorf("write file: %w", err))
			}
		}
	}

	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync file: %w", err))
	}
	if err := f.Close(); err != nil {
		return Outcome{Err: fmt.Errorf("close file: %w", err), Written: written}
	}
	return Outcome{
		Written:     written,
		Checksum:    hash.Sum32(),
		ContentType: mimetype.Detect(head).String(),
	}
}

// shutdown stops accepting chunks and releases whatever is still queued.
func (w *FileWriter) shutdown() {
	close(w.stopping)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	for {
		select {
		case c := <-w.queue:
			c.Release()
		default:
			return
		}
	}
}

func (w *FileWriter) complete(o Outcome) {
	w.completeOnce.Do(func() {
		if w.onComplete != nil {
			w.onComplete(o)
		}
	})
}

// Storage lays out uploads as <root>/<code>/<fileName> on fs.
type Storage struct {
	Fs         afero.Fs
	Root       string
	QueueDepth int
}

// Path returns where the file for code and fileName is stored.
func (s Storage) Path(code, fileName string) string {
	return filepath.Join(s.Root, code, fileName)
}

// Prepare creates the collection directory and returns an OpenWriter for
// the file.
func (s Storage) Prepare(code, fileName string, size int64) (OpenWriter, error) {
	dir := filepath.Join(s.Root, code)
	if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := s.Path(code, fileName)
	return func(done func(Outcome)) (Writer, error) {
		return NewFileWriter(s.Fs, path, size, s.QueueDepth, done), nil
	}, nil
}
