package registry

import (
	"fmt"
	"time"

	"metabridge/codec"
	"metabridge/message"
	"metabridge/transport"
)

// Client talks to the coordination service over the bridge's own wire
// protocol. The registry is just another metabridge service; the only thing
// special about it is that its address is known in advance.
type Client struct {
	pool    *transport.Pool
	timeout time.Duration
}

// Dial connects to the coordination service at addr ("" = CoordinatorAddr()).
// The connection pool is kept small: registry traffic is register/resolve
// pairs, not a hot path.
func Dial(addr string, ct codec.Type) (*Client, error) {
	if addr == "" {
		addr = CoordinatorAddr()
	}
	cfg := transport.DefaultPoolConfig()
	cfg.MaxConns = 2
	cfg.Codec = ct

	c := &Client{pool: transport.NewPool(addr, cfg), timeout: 5 * time.Second}

	// Fail at Dial time, not on first use: acquire and release one
	// connection so a missing coordinator is reported where it is fixable.
	conn, err := c.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("registry coordinator at %s unreachable: %w", addr, err)
	}
	c.pool.Release(conn)
	return c, nil
}

func (c *Client) Register(name, host string, port int) error {
	_, err := c.call("register", map[string]any{
		"name": name,
		"host": host,
		"port": port,
	})
	return err
}

func (c *Client) Resolve(name string) (string, int, error) {
	result, err := c.call("resolve", map[string]any{"name": name})
	if err != nil {
		return "", 0, err
	}
	entry, ok := result.(map[string]any)
	if !ok {
		return "", 0, fmt.Errorf("registry returned malformed entry %T for %q", result, name)
	}
	host, _ := entry["host"].(string)
	port := asInt(entry["port"])
	if host == "" || port == 0 {
		return "", 0, fmt.Errorf("registry returned incomplete entry for %q: %v", name, entry)
	}
	return host, port, nil
}

func (c *Client) Unregister(name string) error {
	_, err := c.call("unregister", map[string]any{"name": name})
	return err
}

// Dump returns every registered entry, for diagnostics and the CLI.
func (c *Client) Dump() ([]Entry, error) {
	result, err := c.call("dump", nil)
	if err != nil {
		return nil, err
	}
	rows, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("registry returned malformed dump %T", result)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		host, _ := m["host"].(string)
		entries = append(entries, Entry{Name: name, Host: host, Port: asInt(m["port"])})
	}
	return entries, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// call performs one request against a registry endpoint, translating the
// service-not-found error kind back into the local sentinel.
func (c *Client) call(endpoint string, kwargs map[string]any) (any, error) {
	conn, err := c.pool.Acquire()
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)

	resp, err := conn.Call(&message.Request{
		Op:       message.OpCall,
		Endpoint: endpoint,
		Kwargs:   kwargs,
	}, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", endpoint, err)
	}
	if resp.Status != message.StatusOK {
		if resp.Error == nil {
			return nil, fmt.Errorf("registry %s failed without descriptor", endpoint)
		}
		if resp.Error.Kind == message.KindServiceNotFound {
			return nil, fmt.Errorf("%s: %w", resp.Error.Message, ErrServiceNotFound)
		}
		return nil, resp.Error.AsRemoteError()
	}
	return resp.Result, nil
}

var _ Registry = (*Client)(nil)
var _ Registry = (*Memory)(nil)

// asInt normalizes the integer shapes the codecs produce (msgpack int64/
// uint64, JSON float64).
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
