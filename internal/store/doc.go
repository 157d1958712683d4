// Package store declares the persistence contracts for batches, row results
// and artifacts, the sentinel errors callers branch on, and the transaction
// helper shared by every implementation. internal/platform/postgres provides
// the implementations.
package store
