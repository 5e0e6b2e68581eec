package serde

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Protobuf encodes messages in the protobuf binary wire format.
type Protobuf[T proto.Message] struct {
	newMsg func() T
}

// NewProtobuf returns a Protobuf serde; newMsg must return an empty, non-nil message.
func NewProtobuf[T proto.Message](newMsg func() T) *Protobuf[T] {
	return &Protobuf[T]{newMsg: newMsg}
}

func (s *Protobuf[T]) Serialize(msg T) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	return data, nil
}

func (s *Protobuf[T]) Deserialize(data []byte) (T, error) {
	msg := s.newMsg()
	if err := proto.Unmarshal(data, msg); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}
	return msg, nil
}

// ProtoJSON encodes messages with the canonical protobuf JSON mapping.
type ProtoJSON[T proto.Message] struct {
	newMsg func() T
}

// NewProtoJSON returns a ProtoJSON serde; newMsg must return an empty, non-nil message.
func NewProtoJSON[T proto.Message](newMsg func() T) *ProtoJSON[T] {
	return &ProtoJSON[T]{newMsg: newMsg}
}

func (s *ProtoJSON[T]) Serialize(msg T) ([]byte, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf json: %w", err)
	}
	return data, nil
}

func (s *ProtoJSON[T]) Deserialize(data []byte) (T, error) {
	msg := s.newMsg()
	if err := protojson.Unmarshal(data, msg); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal protobuf json: %w", err)
	}
	return msg, nil
}
