package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/migrations/*.sql
var migrationScriptsFS embed.FS

// schemaLockKey сериализует миграции между инстансами координатора
// через pg_advisory_lock.
const schemaLockKey = int64(20260114)

const schemaHistoryDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Имя скрипта: <версия>_<имя>.<up|down>.sql, например 0002_payments.up.sql.
var scriptNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// migrationScript — пара up/down скриптов одной версии схемы.
type migrationScript struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// MigrateUp накатывает недостающие версии схемы по порядку.
// steps=0 накатывает все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, scripts []migrationScript) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		applied := 0
		for _, script := range scripts {
			if done[script.Version] {
				continue
			}
			if err := execInTx(ctx, conn, script, script.Up,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`); err != nil {
				return err
			}
			applied++
			if steps > 0 && applied >= steps {
				return nil
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних версий, steps<=0 трактуется
// как один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn, scripts []migrationScript) error {
		byVersion := make(map[int64]migrationScript, len(scripts))
		for _, script := range scripts {
			byVersion[script.Version] = script
		}

		rows, err := conn.QueryContext(ctx,
			`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT $1`, steps)
		if err != nil {
			return fmt.Errorf("select versions to rollback: %w", err)
		}
		defer rows.Close()

		var targets []int64
		for rows.Next() {
			var version int64
			if err := rows.Scan(&version); err != nil {
				return fmt.Errorf("scan rollback version: %w", err)
			}
			targets = append(targets, version)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rollback versions: %w", err)
		}

		for _, version := range targets {
			script, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("schema version %d has no rollback script", version)
			}
			if err := execInTx(ctx, conn, script, script.Down,
				`DELETE FROM schema_migrations WHERE version = $1`); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает текущую версию схемы и число
// применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, schemaHistoryDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure schema history table: %w", err)
	}

	var (
		version int64
		applied int
	)
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`,
	).Scan(&version, &applied)
	if err != nil {
		return 0, 0, fmt.Errorf("read schema history: %w", err)
	}

	return version, applied, nil
}

// withSchemaLock выделяет соединение, берёт advisory lock, готовит
// таблицу истории и передаёт управление fn вместе со списком скриптов.
func (s *Store) withSchemaLock(ctx context.Context, fn func(*sql.Conn, []migrationScript) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	scripts, err := readMigrationScripts(migrationScriptsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaHistoryDDL); err != nil {
		return fmt.Errorf("ensure schema history table: %w", err)
	}

	return fn(conn, scripts)
}

// execInTx выполняет скрипт и запись в историю одной транзакцией.
func execInTx(ctx context.Context, conn *sql.Conn, script migrationScript, body, bookkeeping string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for migration %d_%s: %w", script.Version, script.Name, err)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %d_%s: %w", script.Version, script.Name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, migrationArgs(script, bookkeeping)...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d_%s: %w", script.Version, script.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d_%s: %w", script.Version, script.Name, err)
	}
	return nil
}

func migrationArgs(script migrationScript, bookkeeping string) []any {
	if strings.HasPrefix(bookkeeping, "INSERT") {
		return []any{script.Version, script.Name}
	}
	return []any{script.Version}
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select applied versions: %w", err)
	}
	defer rows.Close()

	done := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return done, nil
}

// readMigrationScripts собирает пары up/down из файловой системы.
// Каждая версия обязана иметь оба скрипта с непустым телом.
func readMigrationScripts(fsys fs.FS) ([]migrationScript, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migration scripts: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration scripts embedded")
	}

	pairs := make(map[int64]*migrationScript)
	for _, file := range files {
		base := path.Base(file)
		groups := scriptNamePattern.FindStringSubmatch(base)
		if groups == nil {
			return nil, fmt.Errorf("migration script name %q does not match NNNN_name.up|down.sql", base)
		}

		version, err := strconv.ParseInt(groups[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %q: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration script %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration script %s has an empty body", base)
		}

		pair := pairs[version]
		if pair == nil {
			pair = &migrationScript{Version: version, Name: groups[2]}
			pairs[version] = pair
		} else if pair.Name != groups[2] {
			return nil, fmt.Errorf("version %d used by two names: %s and %s", version, pair.Name, groups[2])
		}

		if groups[3] == "up" {
			if pair.Up != "" {
				return nil, fmt.Errorf("duplicate up script for version %d", version)
			}
			pair.Up = body
		} else {
			if pair.Down != "" {
				return nil, fmt.Errorf("duplicate down script for version %d", version)
			}
			pair.Down = body
		}
	}

	scripts := make([]migrationScript, 0, len(pairs))
	for _, pair := range pairs {
		if pair.Up == "" || pair.Down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", pair.Version, pair.Name)
		}
		scripts = append(scripts, *pair)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Version < scripts[j].Version })

	return scripts, nil
}
