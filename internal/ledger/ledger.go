// Package ledger is the durable idempotency ledger backed by PostgreSQL.
//
// The consumer_processed_event table is append-only and keyed by
// (consumer_group, event_id); inserting that key is the sole gate for "this
// consumer group already applied this event". The table is assumed to
// pre-exist:
//
//	CREATE TABLE consumer_processed_event (
//	    consumer_group  text        NOT NULL,
//	    event_id        uuid        NOT NULL,
//	    event_type      text        NOT NULL,
//	    kafka_topic     text,
//	    kafka_partition int,
//	    kafka_offset    bigint,
//	    processed_at    timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (consumer_group, event_id)
//	);
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ggp-io/eventpipe/internal/pipeline"
)

const insertProcessedEvent = `
INSERT INTO consumer_processed_event
  (consumer_group, event_id, event_type, kafka_topic, kafka_partition, kafka_offset)
VALUES
  ($1, $2, $3, $4, $5, $6)
ON CONFLICT (consumer_group, event_id) DO NOTHING`

// Store implements pipeline.Ledger on a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying pool so a service can share one connection pool
// between the ledger and its own store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// TryMarkProcessed inserts the (group, event id) key, returning true when the
// insertion was new and false when another delivery already owns the event.
// Safe under concurrent invocation: the primary key makes exactly one racer
// win.
func (s *Store) TryMarkProcessed(ctx context.Context, group string, eventID uuid.UUID, eventType string, src pipeline.SourceMeta) (bool, error) {
	res, err := s.db.ExecContext(ctx, insertProcessedEvent,
		group,
		eventID.String(),
		eventType,
		src.Topic,
		src.Partition,
		src.Offset,
	)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: rows affected: %w", err)
	}
	return rows == 1, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
