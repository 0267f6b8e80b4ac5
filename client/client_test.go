package client_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"metabridge/client"
	"metabridge/codec"
	"metabridge/message"
	"metabridge/registry"
	"metabridge/regserver"
	"metabridge/server"
	"metabridge/transport"
)

// greeter is the canonical stateful test service: constructed with a prefix
// kwarg, its get endpoint concatenates prefix and argument.
type greeter struct {
	prefix string
}

func greeterService() *server.Service {
	svc := server.NewService("greeting", func(_ []any, kwargs map[string]any) (any, error) {
		prefix, _ := kwargs["argumento"].(string)
		if prefix == "" {
			return nil, fmt.Errorf("greeting needs an argumento kwarg")
		}
		return &greeter{prefix: prefix}, nil
	})
	svc.MustEndpoint("get", func(_ context.Context, instance any, args []any, _ map[string]any) (any, error) {
		g := instance.(*greeter)
		suffix, _ := args[0].(string)
		return g.prefix + " " + suffix, nil
	})
	svc.MustEndpoint("fail", func(_ context.Context, _ any, _ []any, _ map[string]any) (any, error) {
		return nil, errors.New("deliberate failure")
	})
	return svc
}

// counter proves instance identity: equal ctor args share state, different
// ctor args do not.
type counter struct {
	n int64
}

func counterService() *server.Service {
	svc := server.NewService("counter", func(_ []any, _ map[string]any) (any, error) {
		return &counter{}, nil
	})
	svc.MustEndpoint("incr", func(_ context.Context, instance any, _ []any, _ map[string]any) (any, error) {
		c := instance.(*counter)
		c.n++
		return c.n, nil
	})
	return svc
}

// startBridge boots a coordinator plus the given service and points the
// process-default registry address at the coordinator.
func startBridge(t *testing.T, svc *server.Service) {
	t.Helper()

	coord, err := regserver.New("127.0.0.1:0", zap.NewNop())
	if err != nil {
		t.Fatalf("regserver.New failed: %v", err)
	}
	if err := coord.Start(); err != nil {
		t.Fatalf("coordinator Start failed: %v", err)
	}
	t.Cleanup(func() { coord.Shutdown(time.Second) })

	t.Setenv(registry.EnvAddr, coord.Addr())

	reg, err := registry.Dial(coord.Addr(), codec.TypeMsgpack)
	if err != nil {
		t.Fatalf("registry.Dial failed: %v", err)
	}

	srv := server.NewServer(svc, server.Config{CacheSize: 8})
	if err := srv.Start(reg); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown(time.Second)
		reg.Close()
	})
}

func TestConnectAndCall(t *testing.T) {
	startBridge(t, greeterService())

	proxy, err := client.Connect("greeting",
		client.WithCtorKwargs(map[string]any{"argumento": "Olá,"}))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer proxy.Close()

	result, err := proxy.Call("get", "mundo!")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result != "Olá, mundo!" {
		t.Errorf("Result = %v, want Olá, mundo!", result)
	}
}

func TestRemoteErrorReconstruction(t *testing.T) {
	startBridge(t, greeterService())

	proxy, err := client.Connect("greeting",
		client.WithCtorKwargs(map[string]any{"argumento": "hi"}))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer proxy.Close()

	_, err = proxy.Call("fail")
	if !message.IsKind(err, message.KindRemoteExecution) {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}

	_, err = proxy.Call("nothere")
	if !message.IsKind(err, message.KindEndpointNotFound) {
		t.Fatalf("expected EndpointNotFoundError, got %v", err)
	}

	// Remote failures are answered, not stream-corrupting: the same proxy
	// keeps working.
	result, err := proxy.Call("get", "again")
	if err != nil {
		t.Fatalf("call after remote errors failed: %v", err)
	}
	if result != "hi again" {
		t.Errorf("Result = %v, want hi again", result)
	}
}

func TestEndpoints(t *testing.T) {
	startBridge(t, greeterService())

	proxy, err := client.Connect("greeting",
		client.WithCtorKwargs(map[string]any{"argumento": "hi"}))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer proxy.Close()

	names, err := proxy.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints failed: %v", err)
	}
	if len(names) != 2 || names[0] != "fail" || names[1] != "get" {
		t.Errorf("Endpoints = %v, want [fail get]", names)
	}
}

func TestInstanceIdentity(t *testing.T) {
	startBridge(t, counterService())

	a1, err := client.Connect("counter", client.WithCtorArgs("a"))
	if err != nil {
		t.Fatalf("Connect a1 failed: %v", err)
	}
	defer a1.Close()
	a2, err := client.Connect("counter", client.WithCtorArgs("a"))
	if err != nil {
		t.Fatalf("Connect a2 failed: %v", err)
	}
	defer a2.Close()
	b, err := client.Connect("counter", client.WithCtorArgs("b"))
	if err != nil {
		t.Fatalf("Connect b failed: %v", err)
	}
	defer b.Close()

	// Two proxies with equal ctor args hit the same instance
	if _, err := a1.Call("incr"); err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	got, err := a2.Call("incr")
	if err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if asI64(got) != 2 {
		t.Errorf("shared instance count = %v, want 2", got)
	}

	// Different ctor args get a fresh instance
	got, err = b.Call("incr")
	if err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if asI64(got) != 1 {
		t.Errorf("separate instance count = %v, want 1", got)
	}
}

func TestSession(t *testing.T) {
	startBridge(t, counterService())

	proxy, err := client.Connect("counter")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer proxy.Close()

	sess, err := proxy.Session()
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := sess.Call("incr")
		if err != nil {
			t.Fatalf("session call failed: %v", err)
		}
		if asI64(got) != want {
			t.Errorf("count = %v, want %d", got, want)
		}
	}

	sess.Close()
	sess.Close() // idempotent

	if _, err := sess.Call("incr"); err == nil {
		t.Error("call on a closed session should fail")
	}

	// The session's connection went back to the pool; plain calls still work
	if _, err := proxy.Call("incr"); err != nil {
		t.Errorf("call after session close failed: %v", err)
	}
}

func TestConnectUnknownService(t *testing.T) {
	startBridge(t, greeterService())

	_, err := client.Connect("phantom")
	if !errors.Is(err, registry.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestConnectUnrepresentableCtorArgs(t *testing.T) {
	startBridge(t, greeterService())

	// Fails locally at Connect, before any network traffic for the call
	_, err := client.Connect("greeting", client.WithCtorArgs(make(chan int)))
	if !errors.Is(err, codec.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
}

func TestConnectStaleEntry(t *testing.T) {
	startBridge(t, greeterService())

	// Register a name whose address nothing listens on: the stale entry is
	// detected at Connect, not on the first call.
	reg, err := registry.Dial("", codec.TypeMsgpack)
	if err != nil {
		t.Fatalf("registry.Dial failed: %v", err)
	}
	defer reg.Close()
	if err := reg.Register("ghost", "127.0.0.1", 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	cfg := transport.DefaultPoolConfig()
	cfg.DialTimeout = 200 * time.Millisecond
	_, err = client.Connect("ghost", client.WithPoolConfig(cfg))
	if err == nil {
		t.Fatal("Connect to a dead address should fail")
	}
}

func asI64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case int16:
		return int64(n)
	case uint16:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return -1
	}
}
