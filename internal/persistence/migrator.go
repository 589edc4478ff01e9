package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLock is the Postgres advisory lock key held while migrating, so
// replicas starting together apply each file once.
const migrationLock int64 = 0x706c6d67

// ErrMigrationChanged is returned when an applied up-file no longer matches
// the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// Migrator applies {version}_{name}.up.sql / .down.sql files in version order
// and records each applied file with its checksum in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

type migration struct {
	version string
	up      string
	down    string
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: logger}
}

// Up applies every pending migration. Already-applied files are checked
// against their recorded checksum.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		migrations, err := m.load()
		if err != nil {
			return err
		}

		for _, mig := range migrations {
			content, err := os.ReadFile(filepath.Join(m.dir, mig.up))
			if err != nil {
				return fmt.Errorf("read migration %s: %w", mig.up, err)
			}
			sum := checksum(content)

			if prev, ok := applied[mig.version]; ok {
				// Rows written before checksums were recorded carry "".
				if prev != "" && prev != sum {
					return fmt.Errorf("%s: %w", mig.up, ErrMigrationChanged)
				}
				continue
			}

			err = inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, string(content)); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mig.version, mig.up, sum,
				)
				return err
			})
			if err != nil {
				return fmt.Errorf("apply %s: %w", mig.up, err)
			}
			m.logger.Info().Str("file", mig.up).Str("checksum", sum[:12]).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		migrations, err := m.load()
		if err != nil {
			return err
		}
		idx := sort.Search(len(migrations), func(k int) bool { return migrations[k].version >= version })
		if idx == len(migrations) || migrations[idx].version != version || migrations[idx].down == "" {
			return fmt.Errorf("no down migration for version %s in %s", version, m.dir)
		}
		down := migrations[idx].down

		content, err := os.ReadFile(filepath.Join(m.dir, down))
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", down, err)
		}
		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("roll back %s: %w", down, err)
		}
		m.logger.Info().Str("file", down).Msg("rolled back migration")
		return nil
	})
}

// Status maps every up-file to whether it has been applied.
func (m *Migrator) Status(ctx context.Context) (map[string]bool, error) {
	status := make(map[string]bool)
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		migrations, err := m.load()
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			_, status[mig.up] = applied[mig.version]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// locked runs fn on a dedicated connection holding the migration advisory
// lock, after making sure the bookkeeping table exists.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLock); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// load pairs the up and down files in dir by version, sorted by version.
func (m *Migrator) load() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		v := versionOf(name)
		mig, ok := byVersion[v]
		if !ok {
			mig = &migration{version: v}
			byVersion[v] = mig
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mig.up = name
		case strings.HasSuffix(name, ".down.sql"):
			mig.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", mig.version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].version < out[b].version })
	return out, nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// versionOf returns the prefix before the first underscore:
// "000001_portfolio_ledger.up.sql" -> "000001".
func versionOf(filename string) string {
	v, _, _ := strings.Cut(filename, "_")
	return v
}
