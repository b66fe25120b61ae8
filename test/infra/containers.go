package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DSNEnv names the variable that points the stress run at an existing database.
const DSNEnv = "ECOSHARE_STRESS_PG_DSN"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If overrideDSN or
// ECOSHARE_STRESS_PG_DSN is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("ecoshare"),
		postgres.WithUsername("ecoshare"),
		postgres.WithPassword("ecoshare"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

// Database is a provisioned Postgres for a stress run.
type Database struct {
	DSN string
	// Shared is true when the database outlives the run, so the run
	// should isolate itself in a schema.
	Shared    bool
	container *PGContainer
}

// Provision picks a database in order: explicit DSN, DSNEnv, a fresh
// container when Docker answers, then a recreated local database.
func Provision(ctx context.Context, explicitDSN string) (*Database, error) {
	if explicitDSN != "" {
		return &Database{DSN: explicitDSN, Shared: true}, nil
	}
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		return &Database{DSN: dsn, Shared: true}, nil
	}
	if dockerAvailable(ctx) {
		c, dsn, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("infra: start postgres: %w", err)
		}
		return &Database{DSN: dsn, container: c}, nil
	}
	dsn, err := InitLocalDatabase(ctx)
	if err != nil {
		return nil, err
	}
	return &Database{DSN: dsn}, nil
}

// Close stops the container, if one was started.
func (d *Database) Close(ctx context.Context) error {
	return d.container.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
