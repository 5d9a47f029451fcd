package binder

import (
	"embed"

	pkgsql "github.com/klwxsrx/go-stream-binder/pkg/sql"
)

var Migrations = pkgsql.FSMigrations(migrationFiles)

//go:embed *.sql
var migrationFiles embed.FS
