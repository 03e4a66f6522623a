// Package audit appends one flattened audit record per consumed envelope.
//
// The audit_event table carries a unique key on event_id, so the insert is
// idempotent even if the ledger gate were somehow bypassed; a conflict is
// benign, not an error. The table is assumed to pre-exist with one column
// per envelope field plus the source position.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ggp-io/eventpipe/internal/envelope"
	"github.com/ggp-io/eventpipe/internal/logging"
	"github.com/ggp-io/eventpipe/internal/pipeline"
)

const insertAuditEvent = `
INSERT INTO audit_event (
  event_id, event_type, occurred_at,
  producer, correlation_id, causation_id,
  actor_type, actor_id, actor_display,
  tenant_id, schema_version, payload,
  kafka_topic, kafka_partition, kafka_offset
) VALUES (
  $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
)
ON CONFLICT (event_id) DO NOTHING`

// Handler writes audit records to PostgreSQL. It satisfies pipeline.Handler.
type Handler struct {
	db     *sql.DB
	logger logging.Logger
}

// NewHandler builds an audit handler on an existing connection pool.
func NewHandler(db *sql.DB, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{db: db, logger: logger}
}

func (h *Handler) Name() string { return "audit" }

// Apply inserts the flattened envelope. Every failure is surfaced to the
// pipeline's retry and dead-letter logic; the event_id conflict is swallowed
// because the record already being present is the desired end state.
func (h *Handler) Apply(ctx context.Context, env *envelope.Envelope, src pipeline.SourceMeta) error {
	var causationID any
	if env.CausationID != nil {
		causationID = env.CausationID.String()
	}
	var display any
	if env.Actor.Display != "" {
		display = env.Actor.Display
	}
	var tenantID any
	if env.TenantID != "" {
		tenantID = env.TenantID
	}

	res, err := h.db.ExecContext(ctx, insertAuditEvent,
		env.EventID.String(),
		env.EventType,
		env.OccurredAt,
		env.Producer,
		env.CorrelationID.String(),
		causationID,
		env.Actor.Type,
		env.Actor.ID,
		display,
		tenantID,
		env.SchemaVersion,
		[]byte(env.Payload),
		src.Topic,
		src.Partition,
		src.Offset,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		// Defense-in-depth conflict: a parallel delivery already audited
		// this event.
		h.logger.Debug("audit record already present", logging.Fields{"event_id": env.EventID})
	}
	return nil
}
