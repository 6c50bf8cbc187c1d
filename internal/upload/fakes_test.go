package upload

import (
	"errors"
	"sync"

	"github.com/sheerbytes/uplink/pkg/protocol"
)

var errAborted = errors.New("socket aborted")

// step is one scripted result of fakeSocket.Receive.
type step struct {
	data       []byte
	err        error
	disconnect bool // the client went away: the socket stops being open
}

type fakeSocket struct {
	mu          sync.Mutex
	steps       []step
	sent        []protocol.Response
	open        bool
	closed      bool
	closeCode   int
	closeReason string
	closeCalls  int
	deadWrites  int
	sendErr     func(protocol.Response) error
	closeErr    error
	abortOnce   sync.Once
	aborted     chan struct{}
}

func newFakeSocket(steps ...step) *fakeSocket {
	return &fakeSocket{steps: steps, open: true, aborted: make(chan struct{})}
}

func dataStep(n int, fill byte) step {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill + byte(i%7)
	}
	return step{data: b}
}

func (f *fakeSocket) Receive(buf []byte) (int, error) {
	f.mu.Lock()
	if len(f.steps) == 0 {
		f.mu.Unlock()
		<-f.aborted
		return 0, errAborted
	}
	st := f.steps[0]
	if st.err != nil {
		f.steps = f.steps[1:]
		if st.disconnect {
			f.open = false
		}
		f.mu.Unlock()
		return 0, st.err
	}
	n := copy(buf, st.data)
	if n < len(st.data) {
		f.steps[0].data = st.data[n:]
	} else {
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()
	return n, nil
}

func (f *fakeSocket) Send(resp protocol.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(resp); err != nil {
			return err
		}
	}
	if !f.open {
		f.deadWrites++
		return errors.New("send on closed socket")
	}
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = true
	f.open = false
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeSocket) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) Abort() error {
	f.abortOnce.Do(func() {
		f.mu.Lock()
		f.open = false
		f.mu.Unlock()
		close(f.aborted)
	})
	return nil
}

func (f *fakeSocket) responses() []protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Response(nil), f.sent...)
}

func (f *fakeSocket) terminals() []protocol.Response {
	var out []protocol.Response
	for _, r := range f.responses() {
		if r.IsTerminal() {
			out = append(out, r)
		}
	}
	return out
}

// scriptedWriter is a Writer whose outcome is chosen by the test.
type scriptedWriter struct {
	mu        sync.Mutex
	done      func(Outcome)
	chunks    [][]byte
	size      int64
	received  int64
	cancelled bool
	started   bool
	result    Outcome
	twice     bool // report the outcome twice
	finished  bool
}

func (w *scriptedWriter) open(done func(Outcome)) (Writer, error) {
	w.done = done
	return w, nil
}

func (w *scriptedWriter) Start() {
	w.mu.Lock()
	w.started = true
	zero := w.size == 0
	w.mu.Unlock()
	if zero {
		w.finish()
	}
}

func (w *scriptedWriter) Process(c Chunk) error {
	w.mu.Lock()
	w.chunks = append(w.chunks, append([]byte(nil), c.Bytes()...))
	w.received += int64(c.Len())
	full := w.received >= w.size
	w.mu.Unlock()
	c.Release()
	if full {
		w.finish()
	}
	return nil
}

func (w *scriptedWriter) Cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	go func() {
		w.mu.Lock()
		if w.finished {
			w.mu.Unlock()
			return
		}
		w.finished = true
		w.mu.Unlock()
		w.done(Outcome{Err: ErrCancelled})
	}()
}

func (w *scriptedWriter) finish() {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	res := w.result
	twice := w.twice
	w.mu.Unlock()
	go func() {
		w.done(res)
		if twice {
			w.done(res)
		}
	}()
}

func (w *scriptedWriter) wasCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}
