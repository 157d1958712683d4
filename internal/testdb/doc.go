// Package testdb provides helpers for Postgres integration tests.
//
// Tests run against the database named by DATABASE_URL and are skipped when
// it is unset. The schema is migrated once per test binary with the embedded
// goose migrations, and each test runs inside a transaction that is rolled
// back when it completes, so tests may run in parallel:
//
//	func TestBatchStore(t *testing.T) {
//	    t.Parallel()
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        batches := postgres.NewPostgresBatchStore(tx, nil)
//	        // ...
//	    })
//	}
package testdb
