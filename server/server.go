// Package server implements the metabridge dispatch loop: it binds a
// listening socket, registers the service's address, and serves framed RPC
// requests against the service's endpoint table, resolving instances through
// the bounded LRU instance cache.
//
// Request pipeline, per connection:
//
//	Accept → handleConn (sequential frame loop: read → middleware chain →
//	dispatch → write), so responses leave in the order their requests
//	arrived on that connection.
//
// Concurrency comes from connections, not from pipelining inside one
// connection: up to Workers connections are handled in parallel.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"metabridge/cache"
	"metabridge/codec"
	"metabridge/message"
	"metabridge/middleware"
	"metabridge/protocol"
	"metabridge/registry"
)

// Config tunes one server.
type Config struct {
	Host            string        // listen/advertise host; default 127.0.0.1
	Port            int           // 0 = kernel-assigned
	Workers         int           // max concurrently handled connections; default 128
	CacheSize       int           // instance cache capacity; 0 = never cache
	Codec           codec.Type    // must match the clients' codec
	ShutdownTimeout time.Duration // grace period for in-flight requests
	Logger          *zap.Logger
}

// DefaultConfig returns the server defaults for a same-machine deployment.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Workers:         128,
		CacheSize:       128,
		Codec:           codec.TypeMsgpack,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server serves one Service over TCP.
type Server struct {
	cfg   Config
	svc   *Service
	cache *cache.Cache
	cdc   codec.Codec
	log   *zap.Logger

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener net.Listener
	reg      registry.Registry
	host     string
	port     int

	sem      chan struct{}  // bounds concurrently handled connections
	wg       sync.WaitGroup // tracks in-flight connections for shutdown
	shutdown atomic.Bool
	done     chan struct{}

	requests *metrics.Counter
	failures *metrics.Counter
}

// NewServer creates a server for svc. The config's zero value is usable;
// missing fields fall back to DefaultConfig values.
func NewServer(svc *Service, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Server{
		cfg:      cfg,
		svc:      svc,
		cache:    cache.New(svc.Name(), cfg.CacheSize, svc.teardown),
		cdc:      codec.GetCodec(cfg.Codec),
		log:      cfg.Logger.With(zap.String("service", svc.Name())),
		done:     make(chan struct{}),
		sem:      make(chan struct{}, cfg.Workers),
		requests: metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_requests_total{service=%q}`, svc.Name())),
		failures: metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_request_failures_total{service=%q}`, svc.Name())),
	}
}

// Use appends a middleware. Middlewares run in registration order around
// dispatch; they must be added before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start binds the listener, freezes the endpoint table, registers the
// advertised address, and spawns the accept loop. Bind and registration
// failures are process-fatal for the service and returned here; everything
// later is per-connection.
func (s *Server) Start(reg registry.Registry) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding %s service listener: %w", s.svc.Name(), err)
	}
	s.listener = listener
	s.host = s.cfg.Host
	s.port = listener.Addr().(*net.TCPAddr).Port

	// Build the middleware chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.svc.freeze()

	if reg != nil {
		if err := reg.Register(s.svc.Name(), s.host, s.port); err != nil {
			listener.Close()
			return fmt.Errorf("registering %s at %s:%d: %w", s.svc.Name(), s.host, s.port, err)
		}
		s.reg = reg
	}

	s.log.Info("service listening",
		zap.String("addr", s.Addr()),
		zap.Strings("endpoints", s.svc.EndpointNames()))

	go s.acceptLoop()
	return nil
}

// Serve is the blocking entry point used by daemon wrappers: Start plus wait
// until Shutdown.
func (s *Server) Serve(reg registry.Registry) error {
	if err := s.Start(reg); err != nil {
		return err
	}
	<-s.done
	return nil
}

// Addr returns the advertised host:port. Valid after Start.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	return s.port
}

// Shutdown deregisters the service, stops accepting, and waits up to timeout
// for in-flight connections to drain, then tears down cached instances.
func (s *Server) Shutdown(timeout time.Duration) error {
	// Deregister first so clients stop resolving to this address.
	if s.reg != nil {
		if err := s.reg.Unregister(s.svc.Name()); err != nil {
			s.log.Warn("unregister failed", zap.Error(err))
		}
	}

	// Set the flag before closing the listener so the accept loop can tell
	// an intentional close from a real error.
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
		return fmt.Errorf("shutdown of %s timed out after %s with connections in flight", s.svc.Name(), timeout)
	}

	s.cache.Purge()
	return nil
}

// acceptLoop admits connections until shutdown, holding a semaphore slot per
// in-flight connection so a flood of clients cannot spawn unbounded handlers.
func (s *Server) acceptLoop() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			s.log.Error("accept failed", zap.Error(err))
			return
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs one connection's frame loop. Frames are handled
// sequentially — read, dispatch, reply — which is what guarantees responses
// leave in request order on this connection. The loop continues across error
// responses; it ends when the client closes the connection or the stream is
// torn (framing/decoding failure).
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}

	for {
		body, err := protocol.ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !s.shutdown.Load() {
				s.log.Debug("connection torn", zap.Error(err))
			}
			return
		}

		req := &message.Request{}
		if err := s.cdc.Decode(body, req); err != nil {
			// The stream position is fine but the payload is garbage;
			// without a call_id there is nothing to correlate an error
			// response to. Fatal to this connection only.
			s.log.Debug("undecodable request", zap.Error(err))
			return
		}

		s.requests.Inc()
		resp := s.handler(context.Background(), req)
		if resp.Error != nil {
			s.failures.Inc()
		}

		if err := s.writeResponse(conn, resp); err != nil {
			s.log.Debug("write failed, abandoning connection", zap.Error(err))
			return
		}
	}
}

// writeResponse encodes and frames resp. A result the codec cannot represent
// is downgraded to a SerializationError response so the client still gets an
// answer for its call_id.
func (s *Server) writeResponse(conn net.Conn, resp *message.Response) error {
	body, err := s.cdc.Encode(resp)
	if err != nil {
		fallback := message.NewErrorResponse(resp.CallID, message.KindSerialization,
			fmt.Sprintf("result not representable in wire format: %v", err))
		if body, err = s.cdc.Encode(fallback); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(conn, body)
}

// dispatch is the business handler at the end of the middleware chain:
// resolve the endpoint, materialize the instance through the cache, invoke.
// Panics and handler errors become error responses here; nothing thrown by an
// endpoint may reach the frame loop.
func (s *Server) dispatch(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("endpoint panicked",
				zap.String("endpoint", req.Endpoint), zap.Any("panic", r))
			resp = message.NewErrorResponse(req.CallID, message.KindRemoteExecution,
				fmt.Sprintf("endpoint %q panicked: %v", req.Endpoint, r))
		}
	}()

	switch req.Op {
	case message.OpEndpoints:
		names := s.svc.EndpointNames()
		result := make([]any, len(names))
		for i, n := range names {
			result[i] = n
		}
		return message.NewOKResponse(req.CallID, result)

	case message.OpCall:
		return s.dispatchCall(ctx, req)

	default:
		return message.NewErrorResponse(req.CallID, message.KindProtocol,
			fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (s *Server) dispatchCall(ctx context.Context, req *message.Request) *message.Response {
	h, ok := s.svc.handler(req.Endpoint)
	if !ok {
		return message.NewErrorResponse(req.CallID, message.KindEndpointNotFound,
			fmt.Sprintf("service %q has no endpoint %q", s.svc.Name(), req.Endpoint))
	}

	var instance any
	if s.svc.factory != nil {
		key, err := cache.DeriveKey(s.svc.Name(), req.CtorArgs, req.CtorKwargs)
		if err != nil {
			return message.NewErrorResponse(req.CallID, message.KindSerialization, err.Error())
		}

		inst, release, err := s.cache.GetOrCreate(key.ID, func() (any, error) {
			s.log.Debug("constructing instance", zap.Stringer("key", key))
			return s.svc.factory(req.CtorArgs, req.CtorKwargs)
		})
		if err != nil {
			return message.NewErrorResponse(req.CallID, message.KindConstructor,
				fmt.Sprintf("constructing %q instance: %v", s.svc.Name(), err))
		}
		defer release()
		instance = inst
	}

	result, err := h(ctx, instance, req.Args, req.Kwargs)
	if err != nil {
		var re *message.RemoteError
		if errors.As(err, &re) {
			return message.NewErrorResponseDetail(req.CallID, re.Kind, re.Message, re.Detail)
		}
		return message.NewErrorResponse(req.CallID, message.KindRemoteExecution, err.Error())
	}
	return message.NewOKResponse(req.CallID, result)
}
