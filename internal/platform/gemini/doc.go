// Package gemini implements generation.Generator on top of Google's Gemini
// API through the google.golang.org/genai client.
//
// Each call makes a single GenerateContent request and maps the response
// onto a generation.Response: the first candidate's text is decoded as the
// row's JSON output, token usage comes from the usage metadata, and the
// tools actually used are inferred from grounding metadata. Safety blocks
// and malformed responses are reported as permanent errors, server and
// throttling failures as transient ones, so that generation.RetryPolicy can
// decide what to retry.
package gemini
