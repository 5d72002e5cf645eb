package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is a Registry backed by a Postgres tunnels table, grounded on
// internal/db/db.go's embedded-migration Open pattern.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to databaseURL and applies any pending migrations.
func OpenPostgres(databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := &Postgres{db: sqlDB, logger: logger}
	if err := p.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// The registry_schema_version table is the single source of truth for how far this
// database's tunnels schema has been advanced. Unlike a per-file applied-log,
// the registry tracks one integer and only ever moves it forward, so a
// concurrent OpenPostgres from a second replica either advances it further or
// no-ops against the version another replica already reached.
type registryMigration struct {
	version int
	file    string
}

// registryMigrations lists the schema versions in order. version must match
// the migration's position (1-indexed); adding a migration means appending
// here with the next version and dropping the matching file under
// migrations/, never renumbering an existing entry.
var registryMigrations = []registryMigration{
	{version: 1, file: "0001_tunnels.sql"},
}

func (p *Postgres) migrate() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS registry_schema_version (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		version INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create registry_schema_version: %w", err)
	}
	if _, err := p.db.Exec(`INSERT INTO registry_schema_version (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`); err != nil {
		return fmt.Errorf("seed registry_schema_version: %w", err)
	}

	sort.Slice(registryMigrations, func(i, j int) bool { return registryMigrations[i].version < registryMigrations[j].version })

	for _, m := range registryMigrations {
		var current int
		if err := p.db.QueryRow(`SELECT version FROM registry_schema_version WHERE id = 1`).Scan(&current); err != nil {
			return fmt.Errorf("read registry schema version: %w", err)
		}
		if current >= m.version {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + m.file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", m.file, err)
		}

		tx, err := p.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.file, err)
		}
		res, err := tx.Exec(`UPDATE registry_schema_version SET version = $1, updated_at = NOW() WHERE id = 1 AND version = $2`, m.version, current)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("advance registry schema version to %d: %w", m.version, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			// Another replica moved the version first; undo this attempt.
			tx.Rollback()
			if err != nil {
				return fmt.Errorf("advance registry schema version to %d: %w", m.version, err)
			}
			continue
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		p.logger.Info("advanced registry schema", "version", m.version, "file", m.file)
	}
	return nil
}

func (p *Postgres) FindTunnelBySubdomain(ctx context.Context, subdomain string) (*Tunnel, error) {
	var t Tunnel
	row := p.db.QueryRowContext(ctx,
		`SELECT id, subdomain, status, updated_at FROM tunnels WHERE subdomain = $1`, subdomain)
	if err := row.Scan(&t.ID, &t.Subdomain, &t.Status, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound(subdomain)
		}
		return nil, fmt.Errorf("find tunnel by subdomain: %w", err)
	}
	return &t, nil
}

func (p *Postgres) MarkTunnelStatus(ctx context.Context, publicID, status string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE tunnels SET status = $1, updated_at = $2 WHERE id = $3`, status, at, publicID)
	if err != nil {
		return fmt.Errorf("mark tunnel status: %w", err)
	}
	return nil
}
