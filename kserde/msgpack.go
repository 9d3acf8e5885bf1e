package kserde

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackSerializer encodes values with msgpack. Types implementing
// msgpack.CustomEncoder (such as krecord.Field) control their own encoding.
func MsgpackSerializer[T any]() Serializer[T] {
	return func(t T) ([]byte, error) {
		return msgpack.Marshal(t)
	}
}

func MsgpackDeserializer[T any]() Deserializer[T] {
	return func(b []byte) (T, error) {
		var deserialized T
		if err := msgpack.Unmarshal(b, &deserialized); err != nil {
			return *new(T), err
		}
		return deserialized, nil
	}
}

func Msgpack[T any]() Serde[T] {
	return Serde[T]{
		Serializer:   MsgpackSerializer[T](),
		Deserializer: MsgpackDeserializer[T](),
	}
}
