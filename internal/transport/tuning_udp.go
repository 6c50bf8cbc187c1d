// Package transport tunes the UDP socket and QUIC windows behind the QUIC
// upload listener.
package transport

import (
	"net"
	"strings"
)

// Outcome of a tuning attempt.
const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusNA     = "n/a"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// UDPTuneResult reports what was asked of the kernel and whether it agreed.
type UDPTuneResult struct {
	Requested int
	Status    string
	Err       string
}

// ApplyUDPBuffers asks for read and write socket buffers of n bytes, clamped
// to a sane range. The kernel may refuse or silently cap the request; the
// listener works either way.
func ApplyUDPBuffers(conn *net.UDPConn, n int) UDPTuneResult {
	result := UDPTuneResult{
		Requested: clampUDPBuffer(n),
		Status:    StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.Requested); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.Requested); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}
