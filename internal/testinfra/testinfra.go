//go:build integration

// Package testinfra starts the containers used by integration tests.
package testinfra

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Redpanda starts a single node Redpanda broker and returns its bootstrap
// address. The container is terminated when the test ends.
func Redpanda(t *testing.T, version string) []string {
	t.Helper()
	ctx := context.Background()

	port, err := FreePort()
	assert.NoError(t, err)

	req := testcontainers.ContainerRequest{
		Image:      fmt.Sprintf("docker.vectorized.io/vectorized/redpanda:%s", version),
		WaitingFor: wait.ForLog("Successfully started Redpanda!"),
		User:       "root:root",
		Cmd: []string{
			"redpanda",
			"start",
			"--smp", "1",
			"--reserve-memory", "0M",
			"--overprovisioned",
			"--node-id", "0",
			"--kafka-addr", fmt.Sprintf("OUTSIDE://0.0.0.0:%d", port),
		},
		// Redpanda advertises the port it listens on, so host and
		// container port must match.
		ExposedPorts: []string{fmt.Sprintf("%d:%d/tcp", port, port)},
	}

	container := start(t, req)

	host, err := container.Host(ctx)
	assert.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%d", port)))
	assert.NoError(t, err)

	return []string{fmt.Sprintf("%s:%d", host, mapped.Int())}
}

const (
	MinioAccessKey = "minioadmin"
	MinioSecretKey = "minioadmin"
)

// Minio starts a MinIO server and returns its endpoint.
func Minio(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		Cmd:          []string{"server", "/data"},
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     MinioAccessKey,
			"MINIO_ROOT_PASSWORD": MinioSecretKey,
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	container := start(t, req)

	host, err := container.Host(ctx)
	assert.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "9000/tcp")
	assert.NoError(t, err)

	return fmt.Sprintf("%s:%d", host, mapped.Int())
}

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	container, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	assert.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	return container
}

// FreePort asks the kernel for a free open port that is ready to use.
func FreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
