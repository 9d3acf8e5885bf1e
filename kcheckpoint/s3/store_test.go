package s3

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestObjectNames(t *testing.T) {
	s := &Store{prefix: "pipelines/orders"}

	assert.Equal(t, "pipelines/orders/checkpoints/00000000000000000012/agg%201", s.checkpointName("agg 1", 12))
	assert.Equal(t, "pipelines/orders/markers/00000000000000000012", s.markerName(12))
	assert.Equal(t, "pipelines/orders/markers/", s.markersPrefix())
}
