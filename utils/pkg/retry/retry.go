package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Logger, when set, receives a warning before each retry.
	Logger *slog.Logger
	// Operation names the retried operation in log output.
	Operation string
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// StorageConfig returns the configuration used around storage transactions.
// Transaction conflicts clear quickly, so it starts small and tries more often.
func StorageConfig(log *slog.Logger, operation string) Config {
	return Config{
		MaxAttempts: 8,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Logger:      log,
		Operation:   operation,
	}
}

// Do executes the given function with exponential backoff retry.
// Non-retryable errors are returned as-is after the first failure.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseBackoff,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         cfg.MaxBackoff,
	}

	attempts := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if cfg.Logger != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			cfg.Logger.Warn("retrying after retryable error", "operation", cfg.Operation, "attempt", attempts, "max_attempts", maxAttempts, "delay", next, "error", err)
		}))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)
	if err == nil {
		if attempts > 1 && cfg.Logger != nil {
			cfg.Logger.Info("operation succeeded after retries", "operation", cfg.Operation, "attempts", attempts)
		}
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if attempts >= maxAttempts && cfg.Logger != nil {
		cfg.Logger.Warn("retries exhausted", "operation", cfg.Operation, "attempts", attempts, "error", err)
	}
	return err
}

// Postgres SQLSTATE codes that indicate the transaction can be replayed.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"08006": true, // connection_failure
	"08003": true, // connection_does_not_exist
}

var catalogRaceConstraints = map[string]bool{
	"pg_namespace_nspname_index": true,
	"pg_type_typname_nsp_index":  true,
	"pg_class_relname_nsp_index": true,
}

// IsRetryable checks if an error is retryable. Message patterns are whole
// driver phrases so a quoted identifier or value cannot match them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Concurrent CREATE ... IF NOT EXISTS of the same schema or table can
		// collide on the system catalog; the replay sees the winner's object.
		if pgErr.Code == "23505" && catalogRaceConstraints[pgErr.ConstraintName] {
			return true
		}
		return retryableSQLStates[pgErr.Code]
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"transaction conflict",
		"write-write conflict",
		"conflict on tuple",
		"could not serialize access",
		"deadlock detected",
		"connection closed",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"i/o timeout",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
