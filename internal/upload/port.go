package upload

import (
	"errors"
)

var (
	// ErrCancelled is the outcome of a writer that was asked to stop early.
	ErrCancelled = errors.New("upload cancelled")
	// ErrWriterClosed is returned by Process once the writer has finished.
	ErrWriterClosed = errors.New("writer closed")
	// ErrOverflow indicates more bytes were forwarded than the declared size.
	ErrOverflow = errors.New("more data than declared size")
)

// Chunk is one received byte range, in arrival order. It borrows its backing
// buffer; whoever consumes it must call Release exactly once.
type Chunk struct {
	data    []byte
	release func([]byte)
}

// NewChunk wraps data. release, if non-nil, is called with data on Release.
func NewChunk(data []byte, release func([]byte)) Chunk {
	return Chunk{data: data, release: release}
}

// Bytes returns the chunk contents. They are only valid until Release.
func (c Chunk) Bytes() []byte { return c.data }

// Len returns the number of bytes in the chunk.
func (c Chunk) Len() int { return len(c.data) }

// Release hands the backing buffer back to its owner.
func (c Chunk) Release() {
	if c.release != nil {
		c.release(c.data)
	}
}

// Outcome is reported exactly once by a Writer.
type Outcome struct {
	Err         error // nil on success
	Written     int64
	Checksum    uint32 // CRC-32C of the stored content, success only
	ContentType string // sniffed from the first bytes, success only
}

// Success reports whether persistence finished without error.
func (o Outcome) Success() bool { return o.Err == nil }

// Writer is the persistence side of an upload session. It consumes chunks on
// its own goroutine and reports a single Outcome through the callback it was
// constructed with.
type Writer interface {
	// Start begins consuming chunks. It does not block.
	Start()
	// Process queues the next chunk. It may block while the writer catches up.
	// The writer owns c from this call on, including when an error is returned.
	Process(c Chunk) error
	// Cancel asks the writer to stop. The writer still reports an Outcome.
	Cancel()
}

// OpenWriter builds the Writer for a session, wiring done as its completion
// callback.
type OpenWriter func(done func(Outcome)) (Writer, error)
