// Package testutil provides shared container infrastructure for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RequireDocker skips the test unless COINLEDGER_TEST_DOCKER=true.
func RequireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("COINLEDGER_TEST_DOCKER") != "true" {
		t.Skip("Docker tests disabled (set COINLEDGER_TEST_DOCKER=true to enable)")
	}
}

// Container is a started service reachable at Host:Port.
type Container struct {
	container testcontainers.Container
	Host      string
	Port      string
}

// Terminate stops the container. Shared containers are normally left to
// the testcontainers reaper.
func (c *Container) Terminate() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}

type sharedContainer struct {
	once sync.Once
	c    *Container
	err  error
}

func (s *sharedContainer) start(t *testing.T, name string, req testcontainers.ContainerRequest, port string) *Container {
	t.Helper()
	RequireDocker(t)

	s.once.Do(func() {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			s.err = fmt.Errorf("start %s container: %w", name, err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			container.Terminate(ctx)
			s.err = fmt.Errorf("get %s host: %w", name, err)
			return
		}
		mapped, err := container.MappedPort(ctx, nat.Port(port))
		if err != nil {
			container.Terminate(ctx)
			s.err = fmt.Errorf("get %s port: %w", name, err)
			return
		}
		s.c = &Container{container: container, Host: host, Port: mapped.Port()}
	})

	if s.err != nil {
		t.Fatalf("%s container failed: %v", name, s.err)
	}
	return s.c
}

var surreal, postgres, redis sharedContainer

// StartSurrealDB starts one SurrealDB container per test process.
func StartSurrealDB(t *testing.T) *Container {
	return surreal.start(t, "SurrealDB", testcontainers.ContainerRequest{
		Image:        "surrealdb/surrealdb:v3.0.0",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"start", "--user", "root", "--pass", "root"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("8000/tcp"),
			wait.ForLog("Started web server"),
		).WithDeadline(60 * time.Second),
	}, "8000/tcp")
}

// SurrealAddress returns the WebSocket RPC address of a SurrealDB container.
func (c *Container) SurrealAddress() string {
	return fmt.Sprintf("ws://%s:%s/rpc", c.Host, c.Port)
}

// StartPostgres starts one PostgreSQL container per test process.
func StartPostgres(t *testing.T) *Container {
	return postgres.start(t, "PostgreSQL", testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "coinledger",
			"POSTGRES_PASSWORD": "coinledger",
			"POSTGRES_DB":       "coinledger",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(60 * time.Second),
	}, "5432/tcp")
}

// PostgresDSN returns a connection string for a PostgreSQL container.
func (c *Container) PostgresDSN() string {
	return fmt.Sprintf("postgres://coinledger:coinledger@%s:%s/coinledger?sslmode=disable", c.Host, c.Port)
}

// StartRedis starts one Redis container per test process.
func StartRedis(t *testing.T) *Container {
	return redis.start(t, "Redis", testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379/tcp")
}

// Address returns host:port.
func (c *Container) Address() string {
	return c.Host + ":" + c.Port
}
