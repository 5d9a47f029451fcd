package sql

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

const (
	migrationLock  = "perform_migration_lock"
	querySeparator = ";\n"

	migrationTableDDL = `
		create table if not exists migration (
			id text primary key
		)
	`
)

var errEmptyMigration = errors.New("empty migration")

type (
	Migration struct {
		ID  string
		SQL string
	}

	MigrationSource func() ([]Migration, error)
)

// FSMigrations reads every *.sql file of the root directory, the file name is the migration id.
func FSMigrations(files fs.ReadDirFS) MigrationSource {
	return func() ([]Migration, error) {
		entries, err := files.ReadDir(".")
		if err != nil {
			return nil, fmt.Errorf("read migrations dir: %w", err)
		}

		result := make([]Migration, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
				continue
			}

			content, err := fs.ReadFile(files, entry.Name())
			if err != nil {
				return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
			}
			result = append(result, Migration{
				ID:  strings.TrimSuffix(entry.Name(), ".sql"),
				SQL: string(content),
			})
		}

		return result, nil
	}
}

type Migrator struct {
	db     TxClient
	logger log.Logger
}

func NewMigrator(db TxClient, logger log.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
	}
}

// Execute applies unperformed migrations of every source in id order within one locked transaction.
func (m *Migrator) Execute(ctx context.Context, sources ...MigrationSource) (err error) {
	migrations, err := collectMigrations(sources)
	if err != nil {
		return err
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("start migration tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = withTransactionLevelLock(ctx, migrationLock, tx); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var performedIDs []string
	if err = tx.SelectContext(ctx, &performedIDs, "select id from migration"); err != nil {
		return fmt.Errorf("get performed migrations: %w", err)
	}

	var performed []string
	for _, migration := range migrations {
		if slices.Contains(performedIDs, migration.ID) {
			continue
		}
		if err = m.perform(ctx, tx, migration); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.ID, err)
		}
		performed = append(performed, migration.ID)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	for _, id := range performed {
		m.logger.WithField("migrationID", id).Info(ctx, "migration executed successfully")
	}
	return nil
}

func (m *Migrator) perform(ctx context.Context, tx Client, migration Migration) error {
	queries := splitToQueries(migration.SQL)
	if len(queries) == 0 {
		return errEmptyMigration
	}

	if _, err := tx.ExecContext(ctx, "insert into migration values ($1)", migration.ID); err != nil {
		return err
	}
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

func collectMigrations(sources []MigrationSource) ([]Migration, error) {
	var result []Migration
	ids := make(map[string]struct{})
	for _, source := range sources {
		migrations, err := source()
		if err != nil {
			return nil, fmt.Errorf("get migrations: %w", err)
		}

		for _, migration := range migrations {
			if _, ok := ids[migration.ID]; ok {
				return nil, fmt.Errorf("duplicate migration %s", migration.ID)
			}
			ids[migration.ID] = struct{}{}
			result = append(result, migration)
		}
	}

	slices.SortFunc(result, func(a, b Migration) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func splitToQueries(sql string) []string {
	var result []string
	for _, query := range strings.Split(sql, querySeparator) {
		if query = strings.TrimSpace(query); query != "" {
			result = append(result, query)
		}
	}

	return result
}
