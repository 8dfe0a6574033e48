//go:build integration

// Package testutil starts real dependencies for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRedis runs a Redis container for the lifetime of the test and returns
// its redis:// URL.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start Redis container")

	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err, "Failed to get container port")

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// NewClient connects a blackboard client for instanceName to redisURL.
func NewClient(t *testing.T, redisURL, instanceName string) *blackboard.Client {
	t.Helper()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	client, err := blackboard.NewClient(opts, instanceName)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Ping(context.Background()), "Redis not accessible")
	return client
}
