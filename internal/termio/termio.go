// Package termio gives the command-line binaries non-blocking stdout and
// stderr writers, so a slow terminal never stalls an upload.
package termio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const flushTimeout = 2 * time.Second

type writer struct {
	file    *os.File
	ch      chan []byte
	pending sync.WaitGroup
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending.Add(1)
	w.ch <- buf
	return len(p), nil
}

func (w *writer) File() *os.File {
	return w.file
}

// flush waits until everything written so far has reached the file.
func (w *writer) flush(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.pending.Done()
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

func StdoutFile() *os.File {
	Init()
	return global.stdout.file
}

func StderrFile() *os.File {
	Init()
	return global.stderr.file
}

// Flush drains both writers. Call it before os.Exit.
func Flush() {
	Init()
	global.stdout.flush(flushTimeout)
	global.stderr.flush(flushTimeout)
}

// IsTTY reports whether f is a character device.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// StatusLine rewrites the current terminal line with the formatted text.
// When w is not a terminal each status goes on its own line.
func StatusLine(w io.Writer, tty bool, format string, args ...any) {
	if tty {
		fmt.Fprintf(w, "\r\033[K"+format, args...)
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}
