package storage

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	logx "mailsched/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// goose keeps its dialect, base FS and logger in package globals.
var gooseMu sync.Mutex

// MigrateCommand is one of the goose commands exposed by the CLI.
type MigrateCommand string

const (
	MigrateUp     MigrateCommand = "up"
	MigrateDown   MigrateCommand = "down"
	MigrateStatus MigrateCommand = "status"
)

// Migrate applies the embedded migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	return s.RunMigrations(ctx, MigrateUp)
}

// RunMigrations runs a goose command against the embedded migrations.
func (s *Store) RunMigrations(ctx context.Context, cmd MigrateCommand) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dialect, dir := "sqlite3", "migrations/sqlite"
	if s.dialect == DriverPostgres {
		dialect, dir = "postgres", "migrations/postgres"
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: s.log.With(logx.String("comp", "migrate"))})
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	var err error
	switch cmd {
	case MigrateUp:
		err = goose.UpContext(ctx, s.db.DB, dir)
	case MigrateDown:
		err = goose.DownContext(ctx, s.db.DB, dir)
	case MigrateStatus:
		err = goose.StatusContext(ctx, s.db.DB, dir)
	default:
		return fmt.Errorf("unknown migrate command %q (use up|down|status)", cmd)
	}
	if err != nil {
		return persistErr("migrate "+string(cmd), err)
	}
	return nil
}

// gooseLogger routes goose output through logx. Fatalf never exits; goose
// returns the error to the caller as well.
type gooseLogger struct{ log logx.Logger }

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
