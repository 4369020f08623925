// Package store provides a CRUD client for animal shelter records kept in a
// document store.
//
// Records are schemaless [Document] values. The store assigns each one a
// 24 character hex identifier under the "_id" key on insert.
//
// # Drivers
//
// A [Store] forwards every operation to a [Collection]. Three are provided:
//
//   - mongodb: a MongoDB collection; filters are passed through as query documents
//   - dynamodb: a DynamoDB table keyed on "_id"; filters become condition expressions
//     and, with IndexedReads set, equality on an indexed field is served by a
//     global secondary index
//   - memory: an in-process collection, used by tests and the CLI
//
// Use [Open] with a [Config] to connect:
//
//	cfg := store.DefaultConfig()
//	cfg.Username, cfg.Password = "aacuser", "secret"
//	s, err := store.Open(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer s.Close(ctx)
//
// # Filters
//
// The mongodb and dynamodb drivers agree on this operator set:
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, $and, $or.
// Dotted paths address nested fields. Other operators are rejected with
// [ErrInvalidArgument] by every driver except mongodb.
//
// # Errors
//
// Every failure is an [*OpError] naming the operation. Its kind is one of:
//
//   - [ErrInvalidArgument] - the input was rejected before reaching the store
//   - [ErrStoreOperationFailed] - the store reported a failure
//   - [ErrStoreUnavailable] - the store is closed or cannot be reached
//
// A missing record is not an error: ReadByID reports it through its found result.
package store
