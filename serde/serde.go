// Package serde converts event payloads to and from the opaque bytes kept by the stores.
package serde

import (
	"encoding/json"
	"fmt"
)

// Serde serializes and deserializes values of type T.
type Serde[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// JSON encodes T with encoding/json. T must be a concrete type.
type JSON[T any] struct{}

func (JSON[T]) Serialize(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return data, nil
}

func (JSON[T]) Deserialize(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return v, nil
}

type converted[In, Out any] struct {
	inner Serde[Out]
	to    func(In) (Out, error)
	from  func(Out) (In, error)
}

// Convert adapts a Serde of Out into a Serde of In, converting values on the way
// in and out. It is typically used to map domain events onto generated protobuf messages.
func Convert[In, Out any](inner Serde[Out], to func(In) (Out, error), from func(Out) (In, error)) Serde[In] {
	return converted[In, Out]{inner: inner, to: to, from: from}
}

func (c converted[In, Out]) Serialize(v In) ([]byte, error) {
	out, err := c.to(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert value: %w", err)
	}
	return c.inner.Serialize(out)
}

func (c converted[In, Out]) Deserialize(data []byte) (In, error) {
	out, err := c.inner.Deserialize(data)
	if err != nil {
		var zero In
		return zero, err
	}
	in, err := c.from(out)
	if err != nil {
		var zero In
		return zero, fmt.Errorf("failed to convert value: %w", err)
	}
	return in, nil
}
