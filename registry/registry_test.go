package registry_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"metabridge/codec"
	"metabridge/registry"
	"metabridge/regserver"
)

func TestMemoryRegistry(t *testing.T) {
	reg := registry.NewMemory()
	defer reg.Close()

	if err := reg.Register("echo", "127.0.0.1", 9500); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	host, port, err := reg.Resolve("echo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if host != "127.0.0.1" || port != 9500 {
		t.Errorf("Resolve = %s:%d, want 127.0.0.1:9500", host, port)
	}

	// Re-registration is last-write-wins
	if err := reg.Register("echo", "127.0.0.1", 9501); err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}
	_, port, _ = reg.Resolve("echo")
	if port != 9501 {
		t.Errorf("re-registered port = %d, want 9501", port)
	}

	if err := reg.Unregister("echo"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, _, err := reg.Resolve("echo"); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound after unregister, got %v", err)
	}

	// Unregistering an absent name is a no-op
	if err := reg.Unregister("never-was"); err != nil {
		t.Errorf("Unregister of absent name errored: %v", err)
	}
}

// startCoordinator boots a coordinator on an ephemeral port and returns a
// registry client dialed to it.
func startCoordinator(t *testing.T) *registry.Client {
	t.Helper()

	coord, err := regserver.New("127.0.0.1:0", zap.NewNop())
	if err != nil {
		t.Fatalf("regserver.New failed: %v", err)
	}
	if err := coord.Start(); err != nil {
		t.Fatalf("coordinator Start failed: %v", err)
	}
	t.Cleanup(func() { coord.Shutdown(time.Second) })

	client, err := registry.Dial(coord.Addr(), codec.TypeMsgpack)
	if err != nil {
		t.Fatalf("registry.Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientAgainstCoordinator(t *testing.T) {
	reg := startCoordinator(t)

	if err := reg.Register("echo", "127.0.0.1", 9500); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	host, port, err := reg.Resolve("echo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if host != "127.0.0.1" || port != 9500 {
		t.Errorf("Resolve = %s:%d, want 127.0.0.1:9500", host, port)
	}

	// Last-write-wins across the wire too
	if err := reg.Register("echo", "127.0.0.1", 9501); err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}
	_, port, _ = reg.Resolve("echo")
	if port != 9501 {
		t.Errorf("re-registered port = %d, want 9501", port)
	}

	entries, err := reg.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "echo" || entries[0].Port != 9501 {
		t.Errorf("Dump = %+v, want one echo entry on 9501", entries)
	}

	if err := reg.Unregister("echo"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, _, err := reg.Resolve("echo"); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound after unregister, got %v", err)
	}
}

func TestClientResolveMissing(t *testing.T) {
	reg := startCoordinator(t)

	_, _, err := reg.Resolve("phantom")
	if !errors.Is(err, registry.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestClientRegisterRejectsBadInput(t *testing.T) {
	reg := startCoordinator(t)

	if err := reg.Register("", "127.0.0.1", 9500); err == nil {
		t.Error("register with empty name should fail")
	}
	if err := reg.Register("echo", "127.0.0.1", 0); err == nil {
		t.Error("register with port 0 should fail")
	}
	if err := reg.Register("echo", "127.0.0.1", 70000); err == nil {
		t.Error("register with out-of-range port should fail")
	}
}

func TestDialDeadCoordinator(t *testing.T) {
	_, err := registry.Dial("127.0.0.1:1", codec.TypeMsgpack)
	if err == nil {
		t.Fatal("Dial against a dead coordinator should fail")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("error should name the coordinator as unreachable: %v", err)
	}
}

// TestEtcdRegistry runs only when an etcd cluster is provided via
// ETCD_ENDPOINTS (e.g. ETCD_ENDPOINTS=127.0.0.1:2379 go test ./registry).
func TestEtcdRegistry(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}

	reg, err := registry.NewEtcd(strings.Split(endpoints, ","), 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEtcd failed: %v", err)
	}
	defer reg.Close()

	if err := reg.Register("etcd-echo", "127.0.0.1", 9500); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	host, port, err := reg.Resolve("etcd-echo")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if host != "127.0.0.1" || port != 9500 {
		t.Errorf("Resolve = %s:%d, want 127.0.0.1:9500", host, port)
	}

	if err := reg.Unregister("etcd-echo"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, _, err := reg.Resolve("etcd-echo"); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound after unregister, got %v", err)
	}
}
