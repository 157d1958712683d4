// Package shared holds request decoding, response writing and request
// context helpers used by both the api handlers and the middleware.
package shared
