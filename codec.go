package kv_logcask

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

var _ Codec[any] = GobCodec[any]{}

// GobCodec is the default codec. It handles any value gob can encode; values
// held in interfaces must have their concrete types registered with
// gob.Register.
type GobCodec[V any] struct{}

func (GobCodec[V]) Encode(value V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec[V]) Decode(data []byte) (V, error) {
	var value V
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value); err != nil {
		return value, fmt.Errorf("gob decode: %w", err)
	}
	return value, nil
}

var _ Codec[[]byte] = RawCodec{}

// RawCodec stores byte slices untouched.
type RawCodec struct{}

func (RawCodec) Encode(value []byte) ([]byte, error) {
	if value == nil {
		return []byte{}, nil
	}
	return bytes.Clone(value), nil
}

func (RawCodec) Decode(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

var _ Codec[string] = StringCodec{}

// StringCodec stores strings as their raw bytes.
type StringCodec struct{}

func (StringCodec) Encode(value string) ([]byte, error) {
	return append([]byte{}, value...), nil
}

func (StringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}
