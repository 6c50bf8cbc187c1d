package transport

import "github.com/quic-go/quic-go"

const (
	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024
	minQuicMaxStreams        = 1
	maxQuicMaxStreams        = 2048
)

// QuicTuneResult reports the flow control values actually applied.
type QuicTuneResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
	Status     string
}

// BuildQuicConfig copies base and sets its receive windows and incoming
// stream limit, clamping each value to a supported range.
func BuildQuicConfig(base *quic.Config, connWin, streamWin, maxStreams int) (*quic.Config, QuicTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clamp(connWin, minQuicConnWindow, maxQuicConnWindow)
	stream := clamp(streamWin, minQuicStreamWindow, maxQuicStreamWindow)
	maxStr := clamp(maxStreams, minQuicMaxStreams, maxQuicMaxStreams)
	initialConn := min(defaultInitialConnWindow, conn)

	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(maxStr)

	return cfg, QuicTuneResult{
		ConnWin:    conn,
		StreamWin:  stream,
		MaxStreams: maxStr,
		Status:     StatusOK,
	}
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
