// Package types defines the durable entity model of the orchestrator:
// requests, transforms, collections, contents, processings and outbox
// messages, together with their status enumerations and the JSON metadata
// micro-schemas stored alongside them.
//
// All status enumerations are persisted as integer codes. The codes are part
// of the storage contract and must never be renumbered; tests pin them.
//
// Timestamps are persisted as integer epoch seconds (UnixTime) so that the
// due-work predicates (`next_poll_at < now`, `updated_at < now - period`)
// order identically on every supported database backend.
//
// The metadata blobs carry a stable micro-schema: transform_metadata holds
// src_rse, dest_rse, life_time and has_new_inputs; processing_metadata holds
// internal_id, src_rse, dest_rse, life_time and rule_id. External tooling
// reads these keys, so they are typed structs rather than free-form maps.
package types
