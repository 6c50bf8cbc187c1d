// Package progress measures upload throughput.
package progress

import (
	"sync"
	"time"
)

// smoothing is the weight of the newest sample in the moving rate.
const smoothing = 0.2

// Stats is a snapshot of a Meter.
type Stats struct {
	Done    int64
	Total   int64
	Elapsed time.Duration
	Rate    float64 // bytes per second, weighted toward recent samples
	Average float64 // bytes per second since the meter was created
	ETA     time.Duration
}

// Percent returns Done as a share of Total, or 0 when Total is unknown.
func (s Stats) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Total) * 100
}

// Meter counts bytes toward a known total. The session feeds it received
// bytes and the client feeds it acknowledged totals.
type Meter struct {
	mu    sync.Mutex
	now   func() time.Time
	total int64
	done  int64
	start time.Time

	sampleAt   time.Time
	sampleDone int64
	rate       float64
}

// New starts a meter for total bytes. A nil clock means time.Now.
func New(total int64, clock func() time.Time) *Meter {
	if clock == nil {
		clock = time.Now
	}
	start := clock()
	return &Meter{now: clock, total: total, start: start, sampleAt: start}
}

// Add counts n more bytes.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe(m.done + n)
}

// Set moves the count to done. Totals lower than the current count are ignored.
func (m *Meter) Set(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done <= m.done {
		return
	}
	m.observe(done)
}

func (m *Meter) observe(done int64) {
	m.done = done
	now := m.now()
	dt := now.Sub(m.sampleAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(done-m.sampleDone) / dt
	if m.rate == 0 {
		m.rate = inst
	} else {
		m.rate += smoothing * (inst - m.rate)
	}
	m.sampleAt, m.sampleDone = now, done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Done:    m.done,
		Total:   m.total,
		Elapsed: m.now().Sub(m.start),
		Rate:    m.rate,
	}
	if secs := st.Elapsed.Seconds(); secs > 0 {
		st.Average = float64(m.done) / secs
	}
	if left := m.total - m.done; left > 0 && m.rate > 0 {
		st.ETA = time.Duration(float64(left) / m.rate * float64(time.Second))
	}
	return st
}
