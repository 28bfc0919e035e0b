//go:build integration
// +build integration

package integration_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Each backend comes from an environment variable when set, or else from a container
// started on first use and terminated after all tests ran.
var (
	containersMu sync.Mutex
	containers   []testcontainers.Container
	endpoints    = map[string]string{}
	startErrors  = map[string]error{}
)

func TestMain(m *testing.M) {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, c := range containers {
		_ = c.Terminate(ctx)
	}
	os.Exit(code)
}

func endpoint(t *testing.T, name, envVar string, start func(ctx context.Context) (testcontainers.Container, string, error)) string {
	t.Helper()
	if v := os.Getenv(envVar); v != "" {
		return v
	}

	containersMu.Lock()
	defer containersMu.Unlock()
	if v, ok := endpoints[name]; ok {
		return v
	}
	if err, ok := startErrors[name]; ok {
		t.Skipf("%s unavailable: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c, v, err := startSafely(ctx, start)
	if c != nil {
		containers = append(containers, c)
	}
	if err != nil {
		startErrors[name] = err
		t.Skipf("docker/container runtime unavailable for %s: %v", name, err)
	}
	endpoints[name] = v
	return v
}

func startSafely(ctx context.Context, start func(ctx context.Context) (testcontainers.Container, string, error)) (c testcontainers.Container, v string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("container runtime panicked: %v", r)
		}
	}()
	return start(ctx)
}

func hostPort(ctx context.Context, c testcontainers.Container, port nat.Port) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}

func getTestConnectionString(t *testing.T) string {
	return endpoint(t, "postgres", "TEST_DATABASE_URL", func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "test",
					"POSTGRES_PASSWORD": "test",
					"POSTGRES_DB":       "asynccmd_test",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(time.Minute),
			},
			Started: true,
		})
		if err != nil {
			return c, "", err
		}
		addr, err := hostPort(ctx, c, "5432/tcp")
		if err != nil {
			return c, "", err
		}
		host, port, _ := strings.Cut(addr, ":")
		return c, fmt.Sprintf("host=%s port=%s user=test password=test dbname=asynccmd_test sslmode=disable", host, port), nil
	})
}

func getTestRedisAddr(t *testing.T) string {
	return endpoint(t, "redis", "TEST_REDIS_ADDR", func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			return c, "", err
		}
		addr, err := hostPort(ctx, c, "6379/tcp")
		return c, addr, err
	})
}

func getTestKafkaBroker(t *testing.T) string {
	return endpoint(t, "kafka", "TEST_KAFKA_BROKERS", func(ctx context.Context) (testcontainers.Container, string, error) {
		// Redpanda advertises a fixed host port, so it is bound to the same port on the host
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
				ExposedPorts: []string{"19092:19092/tcp"},
				Cmd: []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M",
					"--reserve-memory", "0M", "--check=false", "--node-id", "0",
					"--kafka-addr", "0.0.0.0:19092", "--advertise-kafka-addr", "127.0.0.1:19092"},
				WaitingFor: wait.ForLog("Successfully started Redpanda"),
			},
			Started: true,
		})
		if err != nil {
			return c, "", err
		}
		return c, "127.0.0.1:19092", nil
	})
}

// uniqueName returns a per-test name for tables, key prefixes and topics.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}
