package mock

import (
	"context"
	"io"
	"sync"

	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/wire"
)

const bufferSize = 256

// Conn is one end of an in-memory connection. It implements transports.Conn
// without any network dependency.
type Conn struct {
	id   string
	in   <-chan wire.Message
	out  chan<- wire.Message
	pipe *pipe
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

// Pair returns two connected ends sharing id. Closing either end closes both:
// pending messages stay readable, then Recv returns io.EOF.
func Pair(id string) (server, client *Conn) {
	toServer := make(chan wire.Message, bufferSize)
	toClient := make(chan wire.Message, bufferSize)
	p := &pipe{done: make(chan struct{})}
	server = &Conn{id: id, in: toServer, out: toClient, pipe: p}
	client = &Conn{id: id, in: toClient, out: toServer, pipe: p}
	return server, client
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.pipe.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return wire.Message{}, io.EOF
		}
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func (c *Conn) Send(ctx context.Context, msg wire.Message) error {
	select {
	case <-c.pipe.done:
		return transports.ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.pipe.done:
		return transports.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.pipe.close()
	return nil
}

// Done is closed once either end has been closed.
func (c *Conn) Done() <-chan struct{} { return c.pipe.done }

// Drain returns every message currently readable without blocking.
func (c *Conn) Drain() []wire.Message {
	var out []wire.Message
	for {
		select {
		case msg := <-c.in:
			out = append(out, msg)
		default:
			return out
		}
	}
}
