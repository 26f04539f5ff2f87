package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const dbBreakerName = "sql"

// DatabaseWrapper runs sqlx operations through a breaker so a failing
// database rejects fast instead of piling up blocked writers.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper wraps db with the database breaker settings.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(dbBreakerName, SettingsFromEnv("db", DatabaseDefaults).ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(dbBreakerName, "database-client", cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	var opErr error
	cbErr := dw.cb.Execute(ctx, func() error {
		opErr = fn()
		// sql.ErrNoRows is an answer, not a fault
		if opErr == sql.ErrNoRows {
			return nil
		}
		return opErr
	})
	GlobalMetricsCollector.RecordRequest(dbBreakerName, "database-client", dw.cb.State(), cbErr == nil && (opErr == nil || opErr == sql.ErrNoRows))
	if cbErr != nil && opErr == nil {
		return cbErr
	}
	return opErr
}

// PingContext checks connectivity.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext runs a statement written with '?' placeholders.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return result, err
}

// GetContext scans a single row into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// SelectContext scans all rows into dest (a pointer to a slice).
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// WithTx runs fn inside a transaction. The whole transaction counts as one
// breaker call; fn's error rolls back.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return dw.run(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				dw.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
			return err
		}
		return tx.Commit()
	})
}

// Rebind converts '?' placeholders for the underlying driver.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

// DriverName reports the sqlx driver name.
func (dw *DatabaseWrapper) DriverName() string { return dw.db.DriverName() }

// DB returns the raw handle for schema setup.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the pool.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen reports whether the database breaker is open.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
