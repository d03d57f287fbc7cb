package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// RunMigrations applies the goose migrations found at the root of filesystem.
func (r *SQLRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(filesystem)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{r.logger})

	if err := goose.SetDialect(string(r.dialect)); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, r.db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	logger interface {
		Info(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}
