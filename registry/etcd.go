package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdPrefix = "/metabridge/services/"

// Etcd backs the Registry with an etcd v3 cluster, for deployments that
// already run one instead of the metabridge coordinator.
//
// Each name maps to a single JSON-encoded Entry under /metabridge/services/;
// puts are last-write-wins, matching the single-writer-per-name contract.
// Registration uses a TTL lease renewed by KeepAlive, so a crashed server's
// entry expires instead of lingering as a ghost.
type Etcd struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	ttl    int64
}

// NewEtcd connects to the given etcd endpoints. ttl is the lease lifetime in
// seconds for registered entries; logger may be nil.
func NewEtcd(endpoints []string, ttl int64, logger *zap.Logger) (*Etcd, error) {
	if ttl <= 0 {
		ttl = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 3 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v: %w", endpoints, err)
	}
	return &Etcd{client: c, ttl: ttl}, nil
}

func (r *Etcd) Register(name, host string, port int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("granting lease for %q: %w", name, err)
	}

	val, err := json.Marshal(Entry{Name: name, Host: host, Port: port, RegisteredAt: time.Now()})
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, etcdPrefix+name, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering %q: %w", name, err)
	}

	// Background lease renewal. The channel must be drained or the client
	// stops renewing.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keeping %q alive: %w", name, err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *Etcd) Resolve(name string) (string, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, etcdPrefix+name)
	if err != nil {
		return "", 0, fmt.Errorf("resolving %q: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return "", 0, fmt.Errorf("%q: %w", name, ErrServiceNotFound)
	}

	var entry Entry
	if err := json.Unmarshal(resp.Kvs[0].Value, &entry); err != nil {
		return "", 0, fmt.Errorf("malformed registry entry for %q: %w", name, err)
	}
	return entry.Host, entry.Port, nil
}

func (r *Etcd) Unregister(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := r.client.Delete(ctx, etcdPrefix+name); err != nil {
		return fmt.Errorf("unregistering %q: %w", name, err)
	}
	return nil
}

// Watch emits the current entry for name whenever it changes, until ctx is
// done. Useful for tooling that wants to follow a service as it moves.
func (r *Etcd) Watch(ctx context.Context, name string) <-chan Entry {
	out := make(chan Entry, 1)
	go func() {
		defer close(out)
		for range r.client.Watch(ctx, etcdPrefix+name) {
			host, port, err := r.Resolve(name)
			if err != nil {
				continue
			}
			select {
			case out <- Entry{Name: name, Host: host, Port: port}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Etcd) Close() error {
	return r.client.Close()
}

var _ Registry = (*Etcd)(nil)
