// Package client implements the metabridge proxy: it resolves a service name
// through the registry and turns remote endpoint names into synchronous local
// calls over pooled connections.
//
// The proxy is deliberately dynamic — Call("get", args...) rather than
// generated per-endpoint code — mirroring the generic invoke-by-name
// operation the wire protocol actually has. Remote failures come back as
// *message.RemoteError values whose Kind matches the server-side error class.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"metabridge/cache"
	"metabridge/codec"
	"metabridge/message"
	"metabridge/registry"
	"metabridge/transport"
)

// pools shares one connection pool per target across every proxy in the
// process, so two proxies talking to the same service reuse sockets.
var pools = xsync.NewMapOf[string, *transport.Pool]()

// Option tunes a Proxy at Connect time.
type Option func(*Proxy)

// WithCtorArgs sets the positional constructor arguments selecting (and, on
// first use, building) the server-side instance this proxy targets.
func WithCtorArgs(args ...any) Option {
	return func(p *Proxy) { p.ctorArgs = args }
}

// WithCtorKwargs sets the keyword constructor arguments. Key order never
// matters: equal kwargs always select the same server-side instance.
func WithCtorKwargs(kwargs map[string]any) Option {
	return func(p *Proxy) { p.ctorKwargs = kwargs }
}

// WithRegistry overrides the default coordination-service registry.
func WithRegistry(reg registry.Registry) Option {
	return func(p *Proxy) { p.reg = reg }
}

// WithTimeout bounds each call's response wait. On expiry the connection is
// closed, not reused — its framing state is unknown.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.timeout = d }
}

// WithCodec selects the wire codec; it must match the server's.
func WithCodec(ct codec.Type) Option {
	return func(p *Proxy) { p.codecType = ct }
}

// WithPoolConfig tunes the per-target connection pool. Only effective for the
// first proxy in the process to reach a given target, since pools are shared.
func WithPoolConfig(cfg transport.PoolConfig) Option {
	return func(p *Proxy) { p.poolCfg = &cfg }
}

// Proxy is a client handle to one service (and one server-side instance,
// chosen by the constructor arguments).
type Proxy struct {
	name       string
	target     string
	ctorArgs   []any
	ctorKwargs map[string]any
	reg        registry.Registry
	ownsReg    bool
	timeout    time.Duration
	codecType  codec.Type
	poolCfg    *transport.PoolConfig
	pool       *transport.Pool
}

// Connect resolves name in the registry and returns a proxy to it.
//
// Constructor arguments are canonicalized here, so values the wire format
// cannot represent fail at Connect with a SerializationError instead of on
// the first call. If the resolved address refuses connections — a stale
// registry entry left by a dead server — the name is resolved once more
// before giving up, surfacing the staleness as a connect-time failure.
func Connect(name string, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		name:      name,
		timeout:   5 * time.Second,
		codecType: codec.TypeMsgpack,
	}
	for _, opt := range opts {
		opt(p)
	}

	// Validate ctor args before touching the network.
	if _, err := cache.DeriveKey(name, p.ctorArgs, p.ctorKwargs); err != nil {
		return nil, err
	}

	if p.reg == nil {
		reg, err := registry.Dial("", p.codecType)
		if err != nil {
			return nil, err
		}
		p.reg = reg
		p.ownsReg = true
	}

	if err := p.resolveAndProbe(); err != nil {
		if p.ownsReg {
			p.reg.Close()
		}
		return nil, err
	}
	return p, nil
}

// resolveAndProbe resolves the service address and verifies it accepts
// connections, retrying the resolution once if the first address is dead.
func (p *Proxy) resolveAndProbe() error {
	stale := ""
	for attempt := 0; attempt < 2; attempt++ {
		host, port, err := p.reg.Resolve(p.name)
		if err != nil {
			return fmt.Errorf("connecting to service %q: %w", p.name, err)
		}
		target := net.JoinHostPort(host, fmt.Sprintf("%d", port))

		// Same dead address twice: re-resolving again will not help.
		if target == stale {
			break
		}

		p.target = target
		p.pool = poolFor(target, p.codecType, p.poolCfg)

		conn, err := p.pool.Acquire()
		if err == nil {
			p.pool.Release(conn)
			return nil
		}
		if errors.Is(err, transport.ErrPoolExhausted) {
			// The target is alive but busy; not a staleness signal.
			return nil
		}
		stale = target
	}
	return fmt.Errorf("service %q resolved to %s but it is not accepting connections (stale registry entry?): %w",
		p.name, stale, registry.ErrServiceNotFound)
}

// Call invokes endpoint with positional args, blocking until the response
// arrives, and returns the decoded payload or a locally reconstructed error.
// Outside a Session each call acquires and releases its own pooled
// connection.
func (p *Proxy) Call(endpoint string, args ...any) (any, error) {
	return p.CallKw(endpoint, args, nil)
}

// CallKw is Call with keyword arguments.
func (p *Proxy) CallKw(endpoint string, args []any, kwargs map[string]any) (any, error) {
	conn, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(conn)
	return p.callOn(conn, endpoint, args, kwargs)
}

// Endpoints lists the remote endpoint names.
func (p *Proxy) Endpoints() ([]string, error) {
	conn, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(conn)

	resp, err := conn.Call(&message.Request{Op: message.OpEndpoints}, p.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Status != message.StatusOK {
		return nil, resp.Error.AsRemoteError()
	}
	rows, _ := resp.Result.([]any)
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if s, ok := row.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

// Session checks one connection out of the pool for a sequence of calls.
// Always pair with Close — typically `defer sess.Close()` — which releases
// or discards the connection on every exit path.
func (p *Proxy) Session() (*Session, error) {
	conn, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	return &Session{proxy: p, conn: conn}, nil
}

// Close releases proxy-owned resources. Shared pools stay alive for other
// proxies to the same target.
func (p *Proxy) Close() error {
	if p.ownsReg {
		return p.reg.Close()
	}
	return nil
}

// Target returns the resolved host:port this proxy calls.
func (p *Proxy) Target() string {
	return p.target
}

// callOn performs one invocation on an already-acquired connection.
func (p *Proxy) callOn(conn *transport.Conn, endpoint string, args []any, kwargs map[string]any) (any, error) {
	resp, err := conn.Call(&message.Request{
		Op:         message.OpCall,
		Endpoint:   endpoint,
		Args:       args,
		Kwargs:     kwargs,
		CtorArgs:   p.ctorArgs,
		CtorKwargs: p.ctorKwargs,
	}, p.timeout)
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", p.name, endpoint, err)
	}
	if resp.Status != message.StatusOK {
		if resp.Error == nil {
			return nil, fmt.Errorf("calling %s.%s: error response without descriptor", p.name, endpoint)
		}
		return nil, resp.Error.AsRemoteError()
	}
	return resp.Result, nil
}

// Session is a scoped checkout of one pooled connection. Calls made through
// it share that connection, so their responses arrive in call order; calls
// on different connections carry no ordering guarantee relative to each
// other.
type Session struct {
	proxy  *Proxy
	conn   *transport.Conn
	closed bool
}

// Call invokes endpoint over the session's connection.
func (s *Session) Call(endpoint string, args ...any) (any, error) {
	if s.closed {
		return nil, fmt.Errorf("session to %q is closed", s.proxy.name)
	}
	return s.proxy.callOn(s.conn, endpoint, args, nil)
}

// CallKw is Call with keyword arguments.
func (s *Session) CallKw(endpoint string, args []any, kwargs map[string]any) (any, error) {
	if s.closed {
		return nil, fmt.Errorf("session to %q is closed", s.proxy.name)
	}
	return s.proxy.callOn(s.conn, endpoint, args, kwargs)
}

// Close returns the connection to the pool (or discards it if it went
// unusable during the session). Idempotent, so it is safe to defer and also
// call early.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.proxy.pool.Release(s.conn)
	s.conn = nil
}

// poolFor returns the process-wide pool for target, creating it on first use.
func poolFor(target string, ct codec.Type, override *transport.PoolConfig) *transport.Pool {
	pool, _ := pools.LoadOrCompute(target, func() *transport.Pool {
		cfg := transport.DefaultPoolConfig()
		if override != nil {
			cfg = *override
		}
		cfg.Codec = ct
		return transport.NewPool(target, cfg)
	})
	return pool
}
