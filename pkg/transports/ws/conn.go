// Package ws carries wire envelopes over gorilla websockets, both as the
// server endpoint and as a client dialer.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/vocalis/pkg/errorsx"
	"github.com/harunnryd/vocalis/pkg/transports"
	"github.com/harunnryd/vocalis/pkg/wire"
)

// Options tune one socket.
type Options struct {
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 21
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Framer translates between socket text messages and wire envelopes. A
// Framer belongs to one Conn and may keep per-stream state.
type Framer interface {
	// Decode returns ok=false for messages that carry nothing for the session.
	// io.EOF marks a normal end of stream; any other error rejects only that
	// message.
	Decode(data []byte) (msg wire.Message, ok bool, err error)
	// Encode returns ok=false for envelopes the peer has no use for.
	Encode(msg wire.Message) (data []byte, ok bool, err error)
}

// JSONFramer sends envelopes as-is.
type JSONFramer struct{}

func (JSONFramer) Decode(data []byte) (wire.Message, bool, error) {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		return wire.Message{}, false, err
	}
	return msg, true, nil
}

func (JSONFramer) Encode(msg wire.Message) ([]byte, bool, error) {
	b, err := wire.Marshal(msg)
	return b, err == nil, err
}

type inbound struct {
	msg wire.Message
	err error
}

// Conn is a transports.Conn over one websocket. A reader goroutine and a
// writer goroutine own the socket; Recv and Send only touch channels.
type Conn struct {
	id     string
	ws     *websocket.Conn
	framer Framer
	opts   Options
	logger *slog.Logger

	inbox   chan inbound
	sendCh  chan []byte
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	writeErr  error
}

// NewConn takes ownership of sock and starts its read and write loops.
func NewConn(id string, sock *websocket.Conn, framer Framer, opts Options) *Conn {
	opts = opts.withDefaults()
	if framer == nil {
		framer = JSONFramer{}
	}
	c := &Conn{
		id:      id,
		ws:      sock,
		framer:  framer,
		opts:    opts,
		logger:  opts.Logger.With("conn_id", id),
		inbox:   make(chan inbound, 64),
		sendCh:  make(chan []byte, opts.SendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	sock.SetReadLimit(opts.ReadLimit)
	pongWait := 2 * opts.PingInterval
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop(pongWait)
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

// Recv returns the next envelope. A normal close by the peer yields io.EOF.
func (c *Conn) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case in, ok := <-c.inbox:
		if !ok {
			return wire.Message{}, io.EOF
		}
		return in.msg, in.err
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// Send queues msg for the writer. It fails once the socket is closing or a
// previous write failed.
func (c *Conn) Send(ctx context.Context, msg wire.Message) error {
	if err := c.err(); err != nil {
		return err
	}
	data, ok, err := c.framer.Encode(msg)
	if err != nil || !ok {
		return err
	}
	select {
	case <-c.closing:
		return c.closedErr()
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closing:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued messages, sends a close frame and releases the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.done:
	case <-time.After(c.opts.WriteTimeout + time.Second):
		_ = c.ws.Close()
	}
	return nil
}

// Done is closed once the socket has been released.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *Conn) closedErr() error {
	if err := c.err(); err != nil {
		return err
	}
	return transports.ErrClosed
}

func (c *Conn) readLoop(pongWait time.Duration) {
	defer close(c.inbox)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				c.logger.Debug("ws_read_failed", "error", err.Error())
				c.push(inbound{err: errorsx.Wrap(err, errorsx.ReasonTransportRecv)})
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		msg, ok, err := c.framer.Decode(data)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.logger.Debug("ws_message_rejected", "error", err.Error())
			notice := wire.ErrorNotice(string(errorsx.ReasonWireDecode), err.Error())
			if sendErr := c.Send(context.Background(), notice); sendErr != nil {
				return
			}
			continue
		}
		if !ok {
			continue
		}
		if !c.push(inbound{msg: msg}) {
			return
		}
	}
}

func (c *Conn) push(in inbound) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}
		case <-c.closing:
			c.flush()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.ws.Close()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) fail(err error) {
	c.logger.Warn("ws_write_failed", "error", err.Error())
	c.mu.Lock()
	c.writeErr = errorsx.Wrap(err, errorsx.ReasonTransportSend)
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closing) })
	_ = c.ws.Close()
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
