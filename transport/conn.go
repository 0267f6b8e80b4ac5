// Package transport owns the client side's raw TCP handles: the framed
// connection (Conn) and the per-target connection pool (Pool). No other
// component retains a transport handle across calls.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"metabridge/codec"
	"metabridge/message"
	"metabridge/protocol"
)

// ErrCallTimeout reports that no response arrived within the per-call wait.
// The connection's framing state is unknown afterwards, so Call closes it.
var ErrCallTimeout = errors.New("call timed out waiting for response")

// Conn is one framed connection to a service. While checked out of a Pool it
// is exclusively owned by a single caller; the write lock exists for the
// Send/Recv split, where a concurrent heartbeat or pipelined sender on the
// same checkout must not interleave frames.
type Conn struct {
	conn     net.Conn
	cdc      codec.Codec
	target   string
	seq      atomic.Uint64 // call id source, unique per connection
	writeMu  sync.Mutex
	unusable atomic.Bool
	lastUsed time.Time // owned by the pool while the conn is idle
}

// Dial opens a framed connection to target with the usual low-latency TCP
// settings (no Nagle, keep-alive).
func Dial(target string, ct codec.Type, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &Conn{conn: nc, cdc: codec.GetCodec(ct), target: target, lastUsed: time.Now()}, nil
}

// Send assigns a CallID, serializes req, and writes one frame. Serialization
// failures happen before any bytes are sent and leave the connection usable;
// write failures mark it unusable.
func (c *Conn) Send(req *message.Request) (uint64, error) {
	req.CallID = c.seq.Add(1)

	body, err := c.cdc.Encode(req)
	if err != nil {
		return 0, err // ErrSerialization: nothing was sent, conn unaffected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, body); err != nil {
		c.MarkUnusable()
		return 0, fmt.Errorf("writing request to %s: %w", c.target, err)
	}
	return req.CallID, nil
}

// Recv reads one response frame, waiting at most timeout (0 = no deadline).
// Framing or decoding failures mark the connection unusable.
func (c *Conn) Recv(timeout time.Duration) (*message.Response, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		c.MarkUnusable()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrCallTimeout
		}
		return nil, err
	}

	resp := &message.Response{}
	if err := c.cdc.Decode(body, resp); err != nil {
		c.MarkUnusable()
		return nil, fmt.Errorf("%w: undecodable response from %s: %v", protocol.ErrProtocol, c.target, err)
	}
	return resp, nil
}

// Call performs one request/response round trip and verifies the CallID echo.
// A response timeout closes the connection — its framing state is unknown —
// and surfaces ErrCallTimeout to the caller.
func (c *Conn) Call(req *message.Request, timeout time.Duration) (*message.Response, error) {
	id, err := c.Send(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.Recv(timeout)
	if err != nil {
		if errors.Is(err, ErrCallTimeout) {
			c.Close()
		}
		return nil, err
	}
	if resp.CallID != id {
		c.MarkUnusable()
		return nil, fmt.Errorf("%w: response call_id %d does not echo request call_id %d",
			protocol.ErrProtocol, resp.CallID, id)
	}
	return resp, nil
}

// MarkUnusable flags the connection so the pool closes it instead of
// recycling it.
func (c *Conn) MarkUnusable() {
	c.unusable.Store(true)
}

// Usable reports whether the connection may be returned to the idle set.
func (c *Conn) Usable() bool {
	return !c.unusable.Load()
}

// Target returns the host:port this connection is dialed to.
func (c *Conn) Target() string {
	return c.target
}

// Close tears down the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.unusable.Store(true)
	return c.conn.Close()
}
