package message

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/c360/streambus/errors"
)

// Codec converts values of type T to and from payload bytes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, serializationError(err, "JSONCodec", "Encode")
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, serializationError(err, "JSONCodec", "Decode")
	}
	return v, nil
}

// YAMLCodec encodes values with gopkg.in/yaml.v3.
type YAMLCodec[T any] struct{}

// Encode implements Codec.
func (YAMLCodec[T]) Encode(v T) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, serializationError(err, "YAMLCodec", "Encode")
	}
	return data, nil
}

// Decode implements Codec.
func (YAMLCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, serializationError(err, "YAMLCodec", "Decode")
	}
	return v, nil
}

// StringCodec passes strings through as UTF-8 bytes.
type StringCodec struct{}

// Encode implements Codec.
func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }

// Decode implements Codec.
func (StringCodec) Decode(data []byte) (string, error) { return string(data), nil }

// BytesCodec passes payloads through unchanged.
type BytesCodec struct{}

// Encode implements Codec.
func (BytesCodec) Encode(v []byte) ([]byte, error) { return append([]byte(nil), v...), nil }

// Decode implements Codec.
func (BytesCodec) Decode(data []byte) ([]byte, error) { return append([]byte(nil), data...), nil }

// Decode runs codec over the payload of m.
func Decode[T any](codec Codec[T], m *Msg) (T, error) {
	return codec.Decode(m.RawData())
}

func serializationError(err error, component, method string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSerialization, err), component, method, "convert payload")
}
