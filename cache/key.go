package cache

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"metabridge/codec"
)

// Key identifies the server-side instance serving a given client's calls.
// ID is the canonical serialization of (service, ctor args) and is what the
// cache maps on; Hash is a short xxhash fingerprint of ID for logs and
// metrics, never for equality.
type Key struct {
	ID   string
	Hash uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%016x", k.Hash)
}

// DeriveKey computes the deterministic instance-cache key for a service and
// its constructor arguments. Two calls with equal arguments always yield the
// same key: kwargs (and any nested string-keyed maps) are rewritten as
// key-sorted pair lists before serialization, so map iteration order cannot
// leak into the encoding.
//
// Arguments that the wire codec cannot represent fail here, before anything
// is sent.
func DeriveKey(service string, args []any, kwargs map[string]any) (Key, error) {
	canonical, err := msgpack.Marshal([]any{
		service,
		canonicalize(args),
		canonicalize(kwargs),
	})
	if err != nil {
		return Key{}, fmt.Errorf("deriving instance key for %q: %w: %v", service, codec.ErrSerialization, err)
	}
	id := string(canonical)
	return Key{ID: id, Hash: xxhash.Sum64String(id)}, nil
}

// canonicalize rewrites maps into key-sorted [key, value] pair lists,
// recursively, leaving every other value untouched.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]any, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, []any{k, canonicalize(t[k])})
		}
		return pairs
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = canonicalize(el)
		}
		return out
	default:
		return v
	}
}
