package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/transmute/utils/pkg/retry"
)

// InTx runs fn inside a transaction on conn. The transaction is committed when
// fn returns nil and rolled back on any error or panic.
func InTx(ctx context.Context, conn Connection, log *slog.Logger, fn func(tx Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn("failed to rollback transaction", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// RetryTx is InTx replayed on retryable storage errors such as lost
// transaction conflicts. fn must be safe to run more than once.
func RetryTx(ctx context.Context, conn Connection, log *slog.Logger, operation string, fn func(tx Tx) error) error {
	return retry.Do(ctx, retry.StorageConfig(log, operation), func() error {
		return InTx(ctx, conn, log, fn)
	})
}
