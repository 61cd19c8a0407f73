// Package audit records access decisions for the KeyArc gateway.
//
// Every decision made at the trust boundary (allowed, denied, or
// undecidable) becomes one immutable Event. Events are handed to a
// Writer, which never blocks the caller: Record appends to a bounded
// in-memory queue and returns. A single background flusher drains the
// queue in batches into a Store (stdout/file, PostgreSQL, or memory)
// and retries failed batches with exponential backoff.
//
// # Overload
//
// When the queue is full the oldest unflushed event is dropped to make
// room for the new one. Drops are counted (Writer.Dropped and the
// gateway_audit_events_dropped_total metric) and never surface to the
// request that triggered them.
//
// # Redaction contract
//
// Callers must never place secret values (tokens, key material, secret
// payloads, request bodies) in Event.Metadata. The writer does not
// inspect or filter metadata; it stores exactly what it is given.
// Metadata is for identifiers and reason codes only.
//
// # Ordering
//
// Events from concurrent requests may be stored out of arrival order.
// Consumers order by Event.Timestamp.
package audit
