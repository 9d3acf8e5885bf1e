package kserde

import (
	"encoding/binary"
	"fmt"
)

// Uint64Serializer encodes to 8 big-endian bytes, so encoded values sort
// in numeric order.
var Uint64Serializer = func(data uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, data), nil
}

var Uint64Deserializer = func(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("uint64 deserialization requires exactly 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

var Uint64 = Serde[uint64]{
	Serializer:   Uint64Serializer,
	Deserializer: Uint64Deserializer,
}
