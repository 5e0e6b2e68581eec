package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/0m3kk/eventually/eventsrc"
)

// Registry maps event type names to the concrete types implementing T.
type Registry[T eventsrc.Message] struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns a registry with the given events registered.
func NewRegistry[T eventsrc.Message](events ...T) *Registry[T] {
	r := &Registry[T]{types: make(map[string]reflect.Type)}
	for _, evt := range events {
		r.Register(evt)
	}
	return r
}

// Register associates the name of evt with its concrete type.
// It panics if the name is already registered.
func (r *Registry[T]) Register(evt T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := evt.Name()
	if _, ok := r.types[name]; ok {
		panic(fmt.Sprintf("event type '%s' is already registered", name))
	}
	r.types[name] = reflect.TypeOf(evt)
}

// Create instantiates an event given its type name and decodes payload into it.
func (r *Registry[T]) Create(name string, payload json.RawMessage) (T, error) {
	var zero T

	r.mu.RLock()
	typ, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("event type '%s' is not registered", name)
	}

	ptr := reflect.New(typ)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return zero, fmt.Errorf("failed to unmarshal event %s: %w", name, err)
	}
	evt, ok := ptr.Elem().Interface().(T)
	if !ok {
		return zero, fmt.Errorf("event type '%s' does not implement %T", name, zero)
	}
	return evt, nil
}

type tagged struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TaggedJSON encodes events of a sum type as {"type": name, "payload": {...}},
// resolving the concrete type through a Registry on the way back.
type TaggedJSON[T eventsrc.Message] struct {
	registry *Registry[T]
}

// NewTaggedJSON returns a TaggedJSON serde backed by registry.
func NewTaggedJSON[T eventsrc.Message](registry *Registry[T]) *TaggedJSON[T] {
	return &TaggedJSON[T]{registry: registry}
}

func (s *TaggedJSON[T]) Serialize(evt T) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	data, err := json.Marshal(tagged{Type: evt.Name(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

func (s *TaggedJSON[T]) Deserialize(data []byte) (T, error) {
	var t tagged
	if err := json.Unmarshal(data, &t); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return s.registry.Create(t.Type, t.Payload)
}
