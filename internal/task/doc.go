// Package task manages background job queuing, processing, and lifecycle.
// It runs batch dispatch and artifact materialization outside the HTTP
// request that triggered them, persisting every task so that unfinished work
// is recovered after an application restart.
package task
