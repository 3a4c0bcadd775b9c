// Package bulk synchronizes in-memory collections with relational tables
// through set-based SQL.
//
// Every call stages its rows into a per-call staging table, merges them into
// the target with one statement plan of the database's dialect, reads the
// server generated values back onto the caller's entities and drops the
// staging table again. All statements of a call run on one connection inside
// one transaction: the caller's, when the Engine was bound with WithTx, or an
// implicit one that is committed on success and rolled back on failure.
//
// Entities are pointers to structs described by `bulk` struct tags:
//
//	type Order struct {
//		ID       int64                   // identity key by convention
//		Number   string `bulk:",key"`    // natural key instead
//		Total    int64  `bulk:",computed"`
//		Version  int64  `bulk:",version"` // concurrency token
//		Customer *Customer `bulk:",fk=CustomerID"`
//	}
//
// Each operation comes in two forms: a context-aware one (InsertContext)
// and a blocking one (Insert) that runs on context.Background(). Both
// return a Result describing the rows written and, where the caller's list
// is replaced, the new entity list.
package bulk
