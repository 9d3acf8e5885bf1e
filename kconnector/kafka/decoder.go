package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/dagstream/krecord"
)

// Decoder turns a Kafka record into an operation on schema. ok is false
// for records that carry no change, such as tombstones.
type Decoder func(schema krecord.Schema, r *kgo.Record) (op krecord.Operation, ok bool, err error)

// envelope is a change event in the common CDC layout:
//
//	{"op": "c", "before": null, "after": {"id": 1, "name": "alice"}}
//
// op is c (create), r (snapshot read), u (update) or d (delete).
type envelope struct {
	Op     string         `json:"op"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// JSONEnvelope decodes record values holding a JSON change envelope.
func JSONEnvelope(schema krecord.Schema, r *kgo.Record) (krecord.Operation, bool, error) {
	if r.Value == nil {
		return krecord.Operation{}, false, nil
	}
	var env envelope
	if err := json.Unmarshal(r.Value, &env); err != nil {
		return krecord.Operation{}, false, fmt.Errorf("decode envelope: %w", err)
	}

	row := func(side string, m map[string]any) (krecord.Record, error) {
		if m == nil {
			return krecord.Record{}, fmt.Errorf("op %q without %q", env.Op, side)
		}
		return krecord.RecordFromMap(schema, m)
	}

	switch env.Op {
	case "c", "r":
		after, err := row("after", env.After)
		if err != nil {
			return krecord.Operation{}, false, err
		}
		return krecord.Insert(after), true, nil
	case "u":
		before, err := row("before", env.Before)
		if err != nil {
			return krecord.Operation{}, false, err
		}
		after, err := row("after", env.After)
		if err != nil {
			return krecord.Operation{}, false, err
		}
		return krecord.Update(before, after), true, nil
	case "d":
		before, err := row("before", env.Before)
		if err != nil {
			return krecord.Operation{}, false, err
		}
		return krecord.Delete(before), true, nil
	}
	return krecord.Operation{}, false, fmt.Errorf("unknown envelope op %q", env.Op)
}
