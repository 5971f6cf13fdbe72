// Package testhelpers starts shared infrastructure for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage is the image the integration tests run against.
const PostgresImage = "postgres:16-alpine"

// TestDB holds a shared Postgres container and an admin connection pool.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	host      string
	port      string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared Postgres container for integration tests.
// The container is created once per test binary and reused.
//
// The test is skipped in -short mode and when the container cannot be started
// (no Docker daemon).
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Skipf("Skipping integration test: %v", sharedTestDBErr)
	}
	return sharedTestDB
}

// NewDatabase creates an empty database on the shared container and returns its
// DSN. Every caller gets its own database, so parallel tests never share tables.
func NewDatabase(t *testing.T) string {
	t.Helper()

	db := GetTestDB(t)
	name := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.Pool.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		t.Fatalf("create database %s: %v", name, err)
	}
	return db.dsn(name)
}

func (db *TestDB) dsn(name string) string {
	return fmt.Sprintf("postgres://sparkify:test_password@%s:%s/%s?sslmode=disable", db.host, db.port, name)
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "sparkifydb",
			"POSTGRES_USER":     "sparkify",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	db := &TestDB{Container: container, host: host, port: port.Port()}

	pool, err := pgxpool.New(ctx, db.dsn("sparkifydb"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping test database: %w", err)
	}

	db.Pool = pool
	return db, nil
}
