// Package registry tracks the uploads currently running on the server.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/uplink/pkg/protocol"
)

// ErrInProgress is returned when the same file is already being uploaded
// into the same collection.
var ErrInProgress = errors.New("upload already in progress")

// Entry identifies one running upload.
type Entry struct {
	SessionID string
	Code      string
	FileName  string
	Size      int64
	Transport string
	StartedAt time.Time
}

// Lease holds a file name within a collection for one upload. It is taken
// before the connection is accepted and bound to the session once one exists.
type Lease struct {
	r     *Registry
	entry Entry

	// guarded by r.mu
	received func() int64
	abort    func()

	once sync.Once
}

// Registry holds running uploads per collection code. A file name is unique
// within a code while its upload runs.
type Registry struct {
	mu     sync.RWMutex
	byCode map[string]map[string]*Lease // code -> file name -> lease
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byCode: make(map[string]map[string]*Lease)}
}

// Reserve claims e.FileName within e.Code.
func (r *Registry) Reserve(e Entry) (*Lease, error) {
	l := &Lease{r: r, entry: e}

	r.mu.Lock()
	defer r.mu.Unlock()
	files := r.byCode[e.Code]
	if files == nil {
		files = make(map[string]*Lease)
		r.byCode[e.Code] = files
	}
	if _, exists := files[e.FileName]; exists {
		return nil, ErrInProgress
	}
	files[e.FileName] = l
	return l, nil
}

// Bind attaches the running session: received reports live progress and
// abort tears the upload down on shutdown.
func (l *Lease) Bind(sessionID string, received func() int64, abort func()) {
	l.r.mu.Lock()
	l.entry.SessionID = sessionID
	l.received = received
	l.abort = abort
	l.r.mu.Unlock()
}

// Release frees the file name. Only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		r := l.r
		r.mu.Lock()
		defer r.mu.Unlock()
		files := r.byCode[l.entry.Code]
		if files[l.entry.FileName] == l {
			delete(files, l.entry.FileName)
		}
		if len(files) == 0 {
			delete(r.byCode, l.entry.Code)
		}
	})
}

// List returns the running uploads of code ordered by file name.
func (r *Registry) List(code string) []protocol.ActiveUpload {
	r.mu.RLock()
	files := r.byCode[code]
	out := make([]protocol.ActiveUpload, 0, len(files))
	for _, l := range files {
		var received int64
		if l.received != nil {
			received = l.received()
		}
		out = append(out, protocol.ActiveUpload{
			SessionID: l.entry.SessionID,
			FileName:  l.entry.FileName,
			Size:      l.entry.Size,
			Received:  received,
			Transport: l.entry.Transport,
			StartedAt: l.entry.StartedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// Has reports whether fileName is being uploaded into code.
func (r *Registry) Has(code, fileName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byCode[code][fileName]
	return ok
}

// Count returns the number of running uploads.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, files := range r.byCode {
		n += len(files)
	}
	return n
}

// AbortAll aborts every bound upload and returns how many there were.
// Uploads release their leases as they wind down.
func (r *Registry) AbortAll() int {
	r.mu.RLock()
	var aborts []func()
	for _, files := range r.byCode {
		for _, l := range files {
			if l.abort != nil {
				aborts = append(aborts, l.abort)
			}
		}
	}
	r.mu.RUnlock()

	// Outside the lock: abort paths end in Release.
	for _, abort := range aborts {
		abort()
	}
	return len(aborts)
}
