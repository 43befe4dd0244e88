package storage

import (
	"context"
	"database/sql"
	"time"

	"pulse/internal/broker"
	"pulse/internal/constants"
	"pulse/internal/logger"
	"pulse/pkg/metrics"
)

// Gateway fronts the row store and the columnar ingestion topics. Every
// operation is timed, and operations exceeding the slow threshold log a
// warning without being canceled: abandoning a store write mid-flight is
// worse than letting it finish late. Cache operations are instrumented the
// same way inside Cache itself.
type Gateway struct {
	db      *sql.DB
	batcher *broker.Batcher
	logger  logger.Logger
}

func NewGateway(db *sql.DB, batcher *broker.Batcher, log logger.Logger) *Gateway {
	return &Gateway{
		db:      db,
		batcher: batcher,
		logger:  log,
	}
}

func (g *Gateway) DB() *sql.DB {
	return g.db
}

// slowGuard arms an advisory timer for op; the returned func must be called
// on completion to disarm it.
func slowGuard(log logger.Logger, op, store string) func() {
	timer := time.AfterFunc(constants.SlowOperationThreshold, func() {
		metrics.SlowOperationsTotal.WithLabelValues(op, store).Inc()
		log.Warnw("Slow storage operation still running",
			"operation", op,
			"store", store,
			"threshold", constants.SlowOperationThreshold,
		)
	})
	return func() { timer.Stop() }
}

func (g *Gateway) Query(ctx context.Context, op, query string, args ...interface{}) (*sql.Rows, error) {
	done := slowGuard(g.logger, op, "postgres")
	defer done()

	start := time.Now()
	rows, err := g.db.QueryContext(ctx, query, args...)
	metrics.ObserveStorageOperation(op, "postgres", time.Since(start), err)
	return rows, err
}

func (g *Gateway) QueryRow(ctx context.Context, op, query string, args ...interface{}) *sql.Row {
	done := slowGuard(g.logger, op, "postgres")
	defer done()

	start := time.Now()
	row := g.db.QueryRowContext(ctx, query, args...)
	metrics.ObserveStorageOperation(op, "postgres", time.Since(start), nil)
	return row
}

func (g *Gateway) Exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	done := slowGuard(g.logger, op, "postgres")
	defer done()

	start := time.Now()
	res, err := g.db.ExecContext(ctx, query, args...)
	metrics.ObserveStorageOperation(op, "postgres", time.Since(start), err)
	return res, err
}

func (g *Gateway) Begin(ctx context.Context) (*sql.Tx, error) {
	return g.db.BeginTx(ctx, nil)
}

// Enqueue queues one record for the columnar store's ingestion topic.
// Delivery happens on the batcher's flush schedule.
func (g *Gateway) Enqueue(ctx context.Context, topic, key string, value interface{}) error {
	if g.batcher == nil {
		return nil
	}
	done := slowGuard(g.logger, "enqueue_columnar", "kafka")
	defer done()

	start := time.Now()
	err := g.batcher.Enqueue(ctx, topic, key, value)
	metrics.ObserveStorageOperation("enqueue_columnar", "kafka", time.Since(start), err)
	return err
}
