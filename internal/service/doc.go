// Package service contains the application-level use cases behind the batch
// API. It coordinates the domain types with the repositories defined in
// internal/store and never depends on a concrete infrastructure package.
//
// Subpackages hold the batch pipeline components:
//
//   - quota: per-owner admission checks recomputed from the store
//   - dispatch: inline row fan-out and external backend handoff
//   - reconcile: idempotent ingestion of backend completion webhooks
//   - progress: monotonic progress estimation for status reads
//   - dedup: artifact materialization with identity-key deduplication
//   - auth: bearer token issue and validation
package service
