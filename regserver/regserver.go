// Package regserver implements the coordination service behind the service
// registry: a singleton key-value server, itself an ordinary metabridge
// service, living at a fixed well-known address. Every process connects to it
// there, which solves the discovery chicken-and-egg problem once at
// bootstrap instead of per service.
//
// Being a plain bridge service, the registry is served, framed, and tested
// through the exact same wire path as anything else on the machine.
package regserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"metabridge/message"
	"metabridge/registry"
	"metabridge/server"
)

// Coordinator is the running coordination service.
type Coordinator struct {
	table *xsync.MapOf[string, registry.Entry]
	srv   *server.Server
	log   *zap.Logger
}

// New builds a coordinator listening at addr ("" = registry.CoordinatorAddr()).
// Call Start or Serve to run it.
func New(addr string, logger *zap.Logger) (*Coordinator, error) {
	if addr == "" {
		addr = registry.CoordinatorAddr()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("coordinator address %q: %w", addr, err)
	}

	c := &Coordinator{
		table: xsync.NewMapOf[string, registry.Entry](),
		log:   logger.Named("regserver"),
	}

	svc := server.NewService("metabridge.registry", nil)
	svc.MustEndpoint("register", c.register)
	svc.MustEndpoint("resolve", c.resolve)
	svc.MustEndpoint("unregister", c.unregister)
	svc.MustEndpoint("dump", c.dump)

	cfg := server.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Logger = logger
	// The coordinator is stateless per request; no instance cache to size.
	cfg.CacheSize = 0

	c.srv = server.NewServer(svc, cfg)
	return c, nil
}

// Start runs the coordinator in the background. The coordinator never
// registers itself anywhere — its address is the well-known bootstrap.
func (c *Coordinator) Start() error {
	return c.srv.Start(nil)
}

// Serve blocks until Shutdown.
func (c *Coordinator) Serve() error {
	return c.srv.Serve(nil)
}

// Addr returns the bound address. Valid after Start.
func (c *Coordinator) Addr() string {
	return c.srv.Addr()
}

// Shutdown stops the coordinator.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	return c.srv.Shutdown(timeout)
}

// register handles register(name, host, port). Last write wins.
func (c *Coordinator) register(_ context.Context, _ any, _ []any, kwargs map[string]any) (any, error) {
	name, _ := kwargs["name"].(string)
	host, _ := kwargs["host"].(string)
	port := asInt(kwargs["port"])
	if name == "" || host == "" || port <= 0 || port > 65535 {
		return nil, &message.RemoteError{
			Kind:    message.KindConstructor,
			Message: fmt.Sprintf("register needs name, host and a valid port; got %v", kwargs),
		}
	}
	entry := registry.Entry{Name: name, Host: host, Port: port, RegisteredAt: time.Now()}
	c.table.Store(name, entry)
	c.log.Info("registered", zap.String("name", name), zap.String("addr", net.JoinHostPort(host, strconv.Itoa(port))))
	return nil, nil
}

// resolve handles resolve(name) → {name, host, port}.
func (c *Coordinator) resolve(_ context.Context, _ any, _ []any, kwargs map[string]any) (any, error) {
	name, _ := kwargs["name"].(string)
	entry, ok := c.table.Load(name)
	if !ok {
		return nil, &message.RemoteError{
			Kind:    message.KindServiceNotFound,
			Message: fmt.Sprintf("service %q was not found", name),
		}
	}
	return entryToWire(entry), nil
}

// unregister handles unregister(name). Removing an absent name is a no-op.
func (c *Coordinator) unregister(_ context.Context, _ any, _ []any, kwargs map[string]any) (any, error) {
	name, _ := kwargs["name"].(string)
	c.table.Delete(name)
	c.log.Info("unregistered", zap.String("name", name))
	return nil, nil
}

// dump handles dump() → list of every entry, for diagnostics and the CLI.
func (c *Coordinator) dump(_ context.Context, _ any, _ []any, _ map[string]any) (any, error) {
	out := make([]any, 0)
	c.table.Range(func(_ string, entry registry.Entry) bool {
		out = append(out, entryToWire(entry))
		return true
	})
	return out, nil
}

func entryToWire(e registry.Entry) map[string]any {
	return map[string]any{
		"name":          e.Name,
		"host":          e.Host,
		"port":          e.Port,
		"registered_at": e.RegisteredAt.Format(time.RFC3339Nano),
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
