// Package domain contains the core business entities of the batch
// enrichment service: batches and their status machine, per-row results,
// and the artifacts derived from successful rows. It is independent of any
// storage or delivery mechanism.
package domain
