package kafka

import (
	"fmt"

	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/krecord"
	"github.com/birdayz/dagstream/kserde"
)

// positions holds the next offset to read per topic and partition. It is
// the resume token of the connector.
type positions map[string]map[int32]int64

var positionSerde = kserde.Msgpack[positions]()

func (p positions) set(topic string, partition int32, next int64) {
	if p[topic] == nil {
		p[topic] = map[int32]int64{}
	}
	p[topic][partition] = next
}

func (p positions) get(topic string, partition int32) (int64, bool) {
	next, ok := p[topic][partition]
	return next, ok
}

func (p positions) encode() (krecord.Offset, error) {
	return positionSerde.Serializer(p)
}

func decodePositions(off krecord.Offset) (positions, error) {
	if len(off) == 0 {
		return positions{}, nil
	}
	p, err := positionSerde.Deserializer(off)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kconnector.ErrResume, err)
	}
	if p == nil {
		p = positions{}
	}
	return p, nil
}
