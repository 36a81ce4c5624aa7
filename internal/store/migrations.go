package store

import (
	"context"
	"embed"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migration struct {
	id   int
	name string
	sql  string
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by migrations.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// loadMigrations reads the embedded NNN_name.sql files in id order.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	migrations := make([]migration, 0, len(entries))
	for _, e := range entries {
		id, err := strconv.Atoi(strings.SplitN(e.Name(), "_", 2)[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s", e.Name())
		}
		data, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, errors.WithStack(err)
		}
		migrations = append(migrations, migration{id: id, name: e.Name(), sql: string(data)})
	}
	return migrations, nil
}

// Migrate applies every migration newer than the version recorded in the
// database_version sequence.
func Migrate(ctx context.Context, db querier, logger *slog.Logger) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("Updating postgres schema", "version", version)

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return errors.Wrapf(err, "apply migration %s", m.name)
		}
		version = m.id
		if _, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version); err != nil {
			return errors.WithStack(err)
		}
		logger.Info("Applied migration", "migration", m.name)
	}
	return nil
}

func readVersion(ctx context.Context, db querier) (int, error) {
	if _, err := db.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0`); err != nil {
		return 0, errors.WithStack(err)
	}
	var version int
	if err := db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version); err != nil {
		return 0, errors.WithStack(err)
	}
	return version, nil
}
