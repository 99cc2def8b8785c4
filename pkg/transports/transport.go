package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/vocalis/pkg/wire"
)

// ErrClosed is returned by Send once a connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one client stream carrying wire envelopes in both directions.
// Recv returns io.EOF when the peer ends the stream normally. Send is safe
// for concurrent use.
type Conn interface {
	ID() string
	Recv(ctx context.Context) (wire.Message, error)
	Send(ctx context.Context, msg wire.Message) error
	Close() error
}

// Handler serves one accepted connection and returns when the conversation
// on it is over. The transport closes the connection afterwards.
type Handler interface {
	ServeConn(ctx context.Context, c Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, c Conn) { f(ctx, c) }

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// Drainer is implemented by transports that can refuse new connections
// while existing ones finish.
type Drainer interface {
	Drain()
}
