package server

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"

	"metabridge/cache"
)

// Factory constructs a service instance from client-supplied constructor
// arguments. A service with a nil factory is stateless: its handlers receive
// a nil instance and the instance cache is bypassed.
type Factory func(args []any, kwargs map[string]any) (any, error)

// Handler executes one endpoint against a resolved instance. Returning a
// *message.RemoteError preserves its kind on the wire; any other error is
// reported as a RemoteExecutionError.
type Handler func(ctx context.Context, instance any, args []any, kwargs map[string]any) (any, error)

// Service is a named set of endpoints plus the constructor that produces the
// instances they are bound to. The endpoint table is built at definition time
// and frozen when a server starts serving it.
type Service struct {
	name      string
	factory   Factory
	teardown  cache.Teardown
	endpoints map[string]Handler
	frozen    bool
}

// NewService creates a service. factory may be nil for stateless services.
func NewService(name string, factory Factory) *Service {
	return &Service{
		name:      name,
		factory:   factory,
		endpoints: make(map[string]Handler),
	}
}

// Name returns the registered service name.
func (s *Service) Name() string {
	return s.name
}

// SetTeardown installs the hook invoked when the cache drops an instance.
// Defaults to closing instances that implement io.Closer.
func (s *Service) SetTeardown(t cache.Teardown) {
	s.teardown = t
}

// Endpoint registers a handler under name. Duplicate names and registration
// after the server has started are definition-time errors.
func (s *Service) Endpoint(name string, h Handler) error {
	if s.frozen {
		return fmt.Errorf("service %q is already serving; no new endpoints can be registered", s.name)
	}
	if name == "" || h == nil {
		return fmt.Errorf("service %q: endpoint needs a name and a handler", s.name)
	}
	if _, exists := s.endpoints[name]; exists {
		return fmt.Errorf("service %q: endpoint %q is already registered", s.name, name)
	}
	s.endpoints[name] = h
	return nil
}

// MustEndpoint is Endpoint for definition-time wiring where a duplicate name
// is a programming error.
func (s *Service) MustEndpoint(name string, h Handler) *Service {
	if err := s.Endpoint(name, h); err != nil {
		panic(err)
	}
	return s
}

// BindEndpoints scans proto's exported methods and registers every one with
// the signature
//
//	func (recv) Name(args []any, kwargs map[string]any) (any, error)
//
// as an endpoint under its lower-camel name (Get → "get"). proto is only a
// prototype: calls are dispatched against the instance the factory produced,
// which must share proto's type.
func (s *Service) BindEndpoints(proto any) error {
	typ := reflect.TypeOf(proto)
	if typ == nil {
		return fmt.Errorf("service %q: cannot bind endpoints of nil", s.name)
	}

	bound := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !matchesEndpointSignature(method.Type) {
			continue
		}
		name := lowerFirst(method.Name)
		fn := method.Func
		handler := func(_ context.Context, instance any, args []any, kwargs map[string]any) (any, error) {
			recv := reflect.ValueOf(instance)
			if !recv.IsValid() || recv.Type() != typ {
				return nil, fmt.Errorf("endpoint receiver is %T, want %s", instance, typ)
			}
			out := fn.Call([]reflect.Value{recv, reflect.ValueOf(args), reflect.ValueOf(kwargs)})
			result := out[0].Interface()
			if errv := out[1].Interface(); errv != nil {
				return result, errv.(error)
			}
			return result, nil
		}
		if err := s.Endpoint(name, handler); err != nil {
			return err
		}
		bound++
	}
	if bound == 0 {
		return fmt.Errorf("service %q: %s has no methods matching func([]any, map[string]any) (any, error)", s.name, typ)
	}
	return nil
}

// EndpointNames returns the sorted endpoint names (the "endpoints" op answer).
func (s *Service) EndpointNames() []string {
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// handler looks up an endpoint; the table is immutable once frozen so reads
// need no lock.
func (s *Service) handler(name string) (Handler, bool) {
	h, ok := s.endpoints[name]
	return h, ok
}

// freeze makes the endpoint table immutable. Called by the server at start.
func (s *Service) freeze() {
	s.frozen = true
}

var (
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
	argsType   = reflect.TypeOf([]any(nil))
	kwargsType = reflect.TypeOf(map[string]any(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// matchesEndpointSignature filters for
// (receiver, []any, map[string]any) (any, error).
func matchesEndpointSignature(t reflect.Type) bool {
	return t.NumIn() == 3 && t.NumOut() == 2 &&
		t.In(1) == argsType && t.In(2) == kwargsType &&
		t.Out(0) == anyType && t.Out(1) == errorType
}

func lowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
