package vocalis

import (
	"context"
	"log/slog"

	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/wire"
)

// lossyConn drops a deterministic subset of inbound audio messages to
// emulate packet loss in debug mode. Control messages always pass.
type lossyConn struct {
	transports.Conn
	dropEvery int
	counter   int
	logger    *slog.Logger
}

func newLossyConn(c transports.Conn, dropEvery int, logger *slog.Logger) *lossyConn {
	if dropEvery < 2 {
		dropEvery = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &lossyConn{Conn: c, dropEvery: dropEvery, logger: logger}
}

// Recv is called from the session reader goroutine only.
func (c *lossyConn) Recv(ctx context.Context) (wire.Message, error) {
	for {
		msg, err := c.Conn.Recv(ctx)
		if err != nil || msg.Type != wire.TypeAudio {
			return msg, err
		}
		c.counter++
		if c.counter%c.dropEvery == 0 {
			c.logger.Debug("simulated_audio_drop", "session_id", c.ID(), "sequence", msg.Sequence)
			continue
		}
		return msg, nil
	}
}

var _ transports.Conn = (*lossyConn)(nil)
