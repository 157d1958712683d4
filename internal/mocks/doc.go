// Package mocks holds in-memory fakes of the store, generator, emitter and
// token interfaces shared by the service and API tests.
//
// Each fake keeps real state (the batch store enforces the terminal-status
// guard, the artifact store enforces identity-key uniqueness) and exposes
// XxxFn fields to inject failures:
//
//	batches := mocks.NewMockBatchStore()
//	batches.CountActiveSinceFn = func(ctx context.Context, owner uuid.UUID, since time.Time) (int, error) {
//	    return 0, errors.New("connection refused")
//	}
package mocks
