// Package topics is the canonical Kafka topic and consumer-group registry
// for GGP. A domain event's event_type MUST equal the topic it is published
// on, and services must not invent topic strings outside this package.
//
// Naming conventions:
//
//	Domain events: ggp.<bounded_context>.<entity>.<event>
//	Commands:      ggp.<bounded_context>.command.<command_name>
//	DLQ:           ggp.<bounded_context>.dlq.<consumer>
package topics

// Core SOP topics.
const (
	SOPCreated          = "ggp.core.sop.created"
	SOPVersionPublished = "ggp.core.sop.version_published"
	SOPRetired          = "ggp.core.sop.retired" // reserved, no consumer yet
)

// Dead-letter topics, one per consuming service.
const (
	DLQAudit      = "ggp.core.dlq.audit"
	DLQProjection = "ggp.core.dlq.projection"
)

// Consumer groups.
const (
	GroupAudit      = "ggp-audit-v1"
	GroupProjection = "ggp-projection-v1"
)

// SOPTopics lists the domain topics both consumer services subscribe to.
var SOPTopics = []string{
	SOPCreated,
	SOPVersionPublished,
}

// AllKnown lists every topic this repository reads or writes.
var AllKnown = []string{
	SOPCreated,
	SOPVersionPublished,
	SOPRetired,
	DLQAudit,
	DLQProjection,
}
