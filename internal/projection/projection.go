// Package projection maintains the SOP read model. It applies one
// event-type-specific upsert mutation per envelope; every write is keyed, so
// replaying the log from offset zero against an empty store rebuilds the
// read model exactly.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/ggp-io/eventpipe/internal/envelope"
	"github.com/ggp-io/eventpipe/internal/jsoncodec"
	"github.com/ggp-io/eventpipe/internal/logging"
	"github.com/ggp-io/eventpipe/internal/pipeline"
	"github.com/ggp-io/eventpipe/internal/topics"
)

// Read-model collections.
const (
	CollectionSOPIndex   = "rm_sop_index"
	CollectionSOPVersion = "rm_sop_versions"
	CollectionAuditTrail = "rm_audit_trail"
)

// UnhandledEventTypeError reports an envelope whose event_type has no
// registered mutation. No retry can resolve it, so the retry policy treats
// it as permanent.
type UnhandledEventTypeError struct {
	EventType string
}

func (e *UnhandledEventTypeError) Error() string {
	return fmt.Sprintf("unhandled event_type for projector: %s", e.EventType)
}

// Handler applies projection mutations. It satisfies pipeline.Handler.
type Handler struct {
	store  DocumentStore
	logger logging.Logger
}

// NewHandler builds a projection handler over the given document store.
func NewHandler(store DocumentStore, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Name() string { return "projection" }

// mutations is the closed dispatch table from event_type to its upsert
// mutation. Adding an event type means adding an entry here, never touching
// the pipeline.
var mutations = map[string]func(context.Context, *Handler, *envelope.Envelope) error{
	topics.SOPCreated:          applySOPCreated,
	topics.SOPVersionPublished: applyVersionPublished,
}

// Apply dispatches on event_type. Unknown types are a handler-contract
// violation and go straight to the dead-letter channel.
func (h *Handler) Apply(ctx context.Context, env *envelope.Envelope, _ pipeline.SourceMeta) error {
	apply, ok := mutations[env.EventType]
	if !ok {
		return pipeline.Permanent(&UnhandledEventTypeError{EventType: env.EventType})
	}
	return apply(ctx, h, env)
}

type sopCreatedPayload struct {
	SOPID  string   `json:"sop_id"`
	Title  string   `json:"title"`
	Status string   `json:"status"`
	Tags   []string `json:"tags"`
}

func applySOPCreated(ctx context.Context, h *Handler, env *envelope.Envelope) error {
	var p sopCreatedPayload
	if err := jsoncodec.Unmarshal(env.Payload, &p); err != nil {
		return pipeline.Permanent(fmt.Errorf("sop.created payload: %w", err))
	}
	if p.SOPID == "" {
		return pipeline.Permanent(fmt.Errorf("sop.created payload: sop_id is required"))
	}
	if p.Status == "" {
		p.Status = "draft"
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}

	occurred := formatTime(env.OccurredAt)
	doc := map[string]any{
		"sop_id":          p.SOPID,
		"title":           p.Title,
		"status":          p.Status,
		"tags":            p.Tags,
		"current_version": 0,
		"created_at":      occurred,
		"updated_at":      occurred,
	}
	if err := h.store.Put(ctx, CollectionSOPIndex, p.SOPID, doc); err != nil {
		return err
	}

	return h.upsertAuditTrail(ctx, env, p.SOPID, fmt.Sprintf("SOP created: %s", p.Title))
}

type versionPublishedPayload struct {
	SOPID       string `json:"sop_id"`
	Version     int    `json:"version"`
	ContentHash string `json:"content_hash"`
	Content     string `json:"content"`
	ContentRef  string `json:"content_ref"`
}

func applyVersionPublished(ctx context.Context, h *Handler, env *envelope.Envelope) error {
	var p versionPublishedPayload
	if err := jsoncodec.Unmarshal(env.Payload, &p); err != nil {
		return pipeline.Permanent(fmt.Errorf("sop.version_published payload: %w", err))
	}
	if p.SOPID == "" || p.Version <= 0 || p.ContentHash == "" {
		return pipeline.Permanent(fmt.Errorf("sop.version_published payload: sop_id, version and content_hash are required"))
	}

	occurred := formatTime(env.OccurredAt)

	// Versions are immutable once published; re-publication under the same
	// key writes the same content, so the upsert is a content no-op.
	versionKey := fmt.Sprintf("%s:%d", p.SOPID, p.Version)
	versionDoc := map[string]any{
		"sop_id":       p.SOPID,
		"version":      p.Version,
		"content_hash": p.ContentHash,
		"content":      p.Content,
		"content_ref":  p.ContentRef,
		"published_at": occurred,
		"published_by": env.Actor.ID,
	}
	if err := h.store.Put(ctx, CollectionSOPVersion, versionKey, versionDoc); err != nil {
		return err
	}

	indexPatch := map[string]any{
		"status":          "published",
		"current_version": p.Version,
		"updated_at":      occurred,
	}
	if err := h.store.Patch(ctx, CollectionSOPIndex, p.SOPID, indexPatch); err != nil {
		return err
	}

	return h.upsertAuditTrail(ctx, env, p.SOPID, fmt.Sprintf("SOP published v%d", p.Version))
}

// upsertAuditTrail writes the read-optimised audit-trail entry keyed by
// event id.
func (h *Handler) upsertAuditTrail(ctx context.Context, env *envelope.Envelope, sopID, summary string) error {
	eventID := env.EventID.String()
	doc := map[string]any{
		"event_id":    eventID,
		"event_type":  env.EventType,
		"occurred_at": formatTime(env.OccurredAt),
		"actor": map[string]any{
			"type":    env.Actor.Type,
			"id":      env.Actor.ID,
			"display": env.Actor.Display,
		},
		"correlation_id": env.CorrelationID.String(),
		"entity_refs":    map[string]any{"sop_id": sopID},
		"summary":        summary,
		"severity":       "info",
	}
	return h.store.Put(ctx, CollectionAuditTrail, eventID, doc)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
