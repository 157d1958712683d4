// Package generation defines the boundary between the enrichment core and
// the external LLM services that produce per-row output. It provides the
// Generator interface, prompt rendering with {{field}} placeholders, the
// error classification used to decide what is worth retrying, and the
// uniform bounded RetryPolicy applied to every generation call.
//
// The Gemini implementation lives in internal/platform/gemini.
package generation
