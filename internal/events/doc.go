// Package events decouples the batch services from the task runner. A
// service emits a TaskRequestEvent naming a batch, and whichever handlers are
// registered turn it into background work; the emitter never learns what ran.
package events
