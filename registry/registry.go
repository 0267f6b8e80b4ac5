// Package registry is the cross-process name → network-address directory.
//
// Servers register their advertised host:port under a service name; clients
// resolve names without knowing any service's address a priori. The directory
// itself must live at a well-known, process-independent place — either the
// metabridge coordination service (see the regserver package and Dial below)
// or an etcd cluster (NewEtcd). Re-registration under the same name is
// last-write-wins; lookups never verify liveness. Staleness is detected
// lazily, when a connect attempt against a resolved address fails.
package registry

import (
	"errors"
	"os"
	"time"
)

// DefaultAddr is the well-known address of the coordination service. It can
// be overridden per process group with the METABRIDGE_REGISTRY environment
// variable; everything else about discovery bootstraps from this one knob.
const DefaultAddr = "127.0.0.1:7399"

// EnvAddr is the environment variable consulted by CoordinatorAddr.
const EnvAddr = "METABRIDGE_REGISTRY"

// ErrServiceNotFound reports a registry lookup miss.
var ErrServiceNotFound = errors.New("service not found")

// Entry is one registered service.
type Entry struct {
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the directory boundary consumed by server startup
// (Register/Unregister) and client connect (Resolve).
type Registry interface {
	// Register inserts or replaces the entry for name (last-write-wins),
	// visible immediately to all processes sharing the directory.
	Register(name, host string, port int) error

	// Resolve returns the current address for name or ErrServiceNotFound.
	Resolve(name string) (host string, port int, err error)

	// Unregister removes the entry for name. Removing an absent name is
	// not an error.
	Unregister(name string) error

	Close() error
}

// CoordinatorAddr returns the coordination service address for this process:
// the METABRIDGE_REGISTRY override if set, DefaultAddr otherwise.
func CoordinatorAddr() string {
	if addr := os.Getenv(EnvAddr); addr != "" {
		return addr
	}
	return DefaultAddr
}
