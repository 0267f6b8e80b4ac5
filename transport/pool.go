package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"metabridge/codec"
)

// ErrPoolExhausted reports that no connection became available within the
// acquire timeout while the pool was at its maximum size.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// PoolConfig tunes one per-target pool.
type PoolConfig struct {
	MaxConns       int           // maximum outstanding connections to the target
	AcquireTimeout time.Duration // how long Acquire blocks at capacity
	DialTimeout    time.Duration // connect-attempt bound
	IdleTimeout    time.Duration // idle liveness window; older conns are discarded
	Codec          codec.Type
}

// DefaultPoolConfig returns the defaults used by the client when the caller
// does not tune the pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:       8,
		AcquireTimeout: 5 * time.Second,
		DialTimeout:    3 * time.Second,
		IdleTimeout:    60 * time.Second,
		Codec:          codec.TypeMsgpack,
	}
}

// Pool manages reusable framed connections to a single target.
//
// The idle set is a buffered channel: a natural concurrency-safe FIFO with
// built-in blocking, so two concurrent Acquire calls can never receive the
// same idle connection. The mutex only guards the created-connections
// counter.
type Pool struct {
	mu     sync.Mutex
	idle   chan *Conn
	target string
	cfg    PoolConfig
	cur    int  // connections currently alive (idle + checked out)
	closed bool

	dials     *metrics.Counter
	reuses    *metrics.Counter
	exhausted *metrics.Counter
}

// NewPool creates an empty pool for target; connections are dialed lazily.
func NewPool(target string, cfg PoolConfig) *Pool {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1
	}
	return &Pool{
		idle:      make(chan *Conn, cfg.MaxConns),
		target:    target,
		cfg:       cfg,
		dials:     metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_pool_dials_total{target=%q}`, target)),
		reuses:    metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_pool_reuses_total{target=%q}`, target)),
		exhausted: metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_pool_exhausted_total{target=%q}`, target)),
	}
}

// Acquire returns an idle connection, dials a new one below MaxConns, or
// blocks until one is released. At capacity with nothing released within
// AcquireTimeout it fails with ErrPoolExhausted.
func (p *Pool) Acquire() (*Conn, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	for {
		select {
		case conn := <-p.idle:
			if c := p.validate(conn); c != nil {
				return c, nil
			}
			// Stale or unusable: slot was freed, try again.
			continue
		default:
		}

		if conn, created, err := p.tryDial(); created {
			return conn, err
		}

		// At capacity and nothing idle: block until a release or timeout.
		select {
		case conn := <-p.idle:
			if c := p.validate(conn); c != nil {
				return c, nil
			}
		case <-deadline.C:
			p.exhausted.Inc()
			return nil, fmt.Errorf("%w: no connection to %s within %s",
				ErrPoolExhausted, p.target, p.cfg.AcquireTimeout)
		}
	}
}

// Release returns a healthy connection to the idle set. Connections that
// errored during use are closed and their slot freed — framing state after an
// error is unknown.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	if !conn.Usable() {
		p.drop(conn)
		return
	}

	// The closed check and the idle send stay under one lock hold so a
	// release racing Close cannot slip a conn into the already-drained
	// channel and leak its socket.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.drop(conn)
		return
	}
	conn.lastUsed = time.Now()
	select {
	case p.idle <- conn:
		p.mu.Unlock()
	default:
		// Idle set full — more releases than slots means double release;
		// drop rather than block.
		p.mu.Unlock()
		p.drop(conn)
	}
}

// Close drains and closes every idle connection. Checked-out connections are
// closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case conn := <-p.idle:
			p.drop(conn)
		default:
			return
		}
	}
}

// validate decides whether an idle connection can be reused. Unusable or
// stale connections are dropped and nil is returned.
func (p *Pool) validate(conn *Conn) *Conn {
	if !conn.Usable() {
		p.drop(conn)
		return nil
	}
	if p.cfg.IdleTimeout > 0 && time.Since(conn.lastUsed) > p.cfg.IdleTimeout {
		p.drop(conn)
		return nil
	}
	p.reuses.Inc()
	return conn
}

// tryDial opens a new connection if the pool is below MaxConns.
// created=false means the pool is at capacity and the caller should wait.
func (p *Pool) tryDial() (*Conn, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true, fmt.Errorf("pool for %s is closed", p.target)
	}
	if p.cur >= p.cfg.MaxConns {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.cur++
	p.mu.Unlock()

	conn, err := Dial(p.target, p.cfg.Codec, p.cfg.DialTimeout)
	if err != nil {
		p.mu.Lock()
		p.cur--
		p.mu.Unlock()
		return nil, true, err
	}
	p.dials.Inc()
	return conn, true, nil
}

// drop closes a connection and frees its slot.
func (p *Pool) drop(conn *Conn) {
	conn.Close()
	p.mu.Lock()
	p.cur--
	p.mu.Unlock()
}
