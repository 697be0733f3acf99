// Package testutil holds helpers shared by tests: throwaway database
// containers and a controllable clock.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// sharedContainer starts a container once per test binary. Containers are
// reaped by the testcontainers reaper when the process exits, so tests that
// run after the first one can keep using them.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.endpoint, c.err = start(ctx)
	})
	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}

var (
	pgContainer    sharedContainer
	redisContainer sharedContainer
	mongoContainer sharedContainer
)

// GetPostgresEndpoint returns a DSN for a PostgreSQL 16 container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return pgContainer.get(t, func(ctx context.Context) (string, error) {
		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					// Container is listening
					wait.ForListeningPort("5432/tcp"),
					// Postgres reports readiness in logs
					wait.ForLog("ready to accept connections"),
					// Actively verify SQL connectivity with a simple query using DSN built from mapped host:port
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://flowline:flowline@%s:%s/flowline_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "flowline",
				"POSTGRES_PASSWORD": "flowline",
				"POSTGRES_DB":       "flowline_test",
			}),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background()) // best-effort cleanup
			return "", err
		}
		return fmt.Sprintf("postgres://flowline:flowline@%s/flowline_test?sslmode=disable", endpoint), nil
	})
}

// GetRedisAddress returns the host:port of a Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisContainer.get(t, func(ctx context.Context) (string, error) {
		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := redisC.Endpoint(ctx, "")
		if err != nil {
			_ = redisC.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}

// GetMongoURI returns a connection URI for a MongoDB 7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoContainer.get(t, func(ctx context.Context) (string, error) {
		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := mongoC.Endpoint(ctx, "")
		if err != nil {
			_ = mongoC.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
