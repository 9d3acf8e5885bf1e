//go:build integration

package s3

import (
	"context"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/google/uuid"

	"github.com/birdayz/dagstream/internal/testinfra"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kcheckpoint/storetest"
)

func TestConformance(t *testing.T) {
	endpoint := testinfra.Minio(t)

	storetest.Run(t, func(t *testing.T) kcheckpoint.Store {
		s, err := Open(context.Background(), Config{
			Endpoint:  endpoint,
			AccessKey: testinfra.MinioAccessKey,
			SecretKey: testinfra.MinioSecretKey,
			Bucket:    "checkpoints",
			Prefix:    fmt.Sprintf("run-%s", uuid.NewString()),
		})
		assert.NoError(t, err)
		return s
	})
}
