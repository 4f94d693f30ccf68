package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/valkey-io/valkey-go"
)

// TestHarness holds the containers and clients used by end-to-end tests.
type TestHarness struct {
	PGContainer     testcontainers.Container
	PGDSN           string
	PGDB            *sql.DB
	Pool            *pgxpool.Pool
	ValkeyContainer testcontainers.Container
	Valkey          valkey.Client
}

// startContainer starts a single-port container and returns its host:port endpoint.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}
	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		return container, "", err
	}
	return container, addr, nil
}

// StartPostgres starts a postgres container and opens both a database/sql handle (lib/pq) and a pgx pool.
// Caller is responsible for calling StopPostgres.
func (h *TestHarness) StartPostgres(ctx context.Context) (string, error) {
	container, addr, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	})
	h.PGContainer = container
	if err != nil {
		return "", err
	}
	dsn := fmt.Sprintf("postgres://postgres:password@%s/postgres?sslmode=disable", addr)
	h.PGDSN = dsn

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return "", err
	}
	deadline := time.Now().Add(20 * time.Second)
	for {
		pingErr := db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			return "", fmt.Errorf("postgres did not become ready: %w", pingErr)
		}
		time.Sleep(200 * time.Millisecond)
	}
	h.PGDB = db

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return "", fmt.Errorf("create pgx pool: %w", err)
	}
	h.Pool = pool
	return dsn, nil
}

// StopPostgres closes the handles and stops the container.
func (h *TestHarness) StopPostgres(ctx context.Context) error {
	if h.Pool != nil {
		h.Pool.Close()
		h.Pool = nil
	}
	if h.PGDB != nil {
		h.PGDB.Close()
		h.PGDB = nil
	}
	if h.PGContainer != nil {
		if err := h.PGContainer.Terminate(ctx); err != nil {
			return err
		}
		h.PGContainer = nil
	}
	return nil
}

// StartValkey starts a valkey container and connects a client.
func (h *TestHarness) StartValkey(ctx context.Context) error {
	container, addr, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "valkey/valkey:8",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	})
	h.ValkeyContainer = container
	if err != nil {
		return err
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}, DisableCache: true})
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	h.Valkey = client
	return nil
}

// StopValkey closes the client and stops the container.
func (h *TestHarness) StopValkey(ctx context.Context) error {
	if h.Valkey != nil {
		h.Valkey.Close()
		h.Valkey = nil
	}
	if h.ValkeyContainer != nil {
		if err := h.ValkeyContainer.Terminate(ctx); err != nil {
			return err
		}
		h.ValkeyContainer = nil
	}
	return nil
}
