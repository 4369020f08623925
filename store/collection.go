package store

import "context"

// Collection is the driver boundary: one logical collection of animal documents
// in a concrete store. Filters are passed through in the store-native language.
type Collection interface {
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// EnsureIndexes creates a secondary index per field when missing.
	EnsureIndexes(ctx context.Context, fields []string) error

	// InsertOne stores doc under a new identifier.
	InsertOne(ctx context.Context, doc Document) (CreateResult, error)

	// FindByID returns the document with id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (Document, error)

	// Find returns a lazy cursor over matching documents with IDField excluded.
	Find(ctx context.Context, filter Filter) (DocumentCursor, error)

	// UpdateMany applies values with set semantics to every match.
	UpdateMany(ctx context.Context, filter Filter, values Document) (UpdateResult, error)

	// DeleteMany removes every match.
	DeleteMany(ctx context.Context, filter Filter) (DeleteResult, error)

	// Count returns the number of matches.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Close releases the connection.
	Close(ctx context.Context) error
}

// DocumentCursor iterates documents produced by Collection.Find.
type DocumentCursor interface {
	// Next advances to the next document, fetching from the store as needed.
	Next(ctx context.Context) bool

	// Document returns the current document.
	Document() Document

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Close releases the cursor.
	Close(ctx context.Context) error
}

// CreateResult reports the outcome of Create.
type CreateResult struct {
	// Acknowledged is true when the store confirmed persistence.
	Acknowledged bool

	// ID is the store-assigned identifier.
	ID string
}

// UpdateResult reports the outcome of Update.
type UpdateResult struct {
	// Matched is the number of documents satisfying the filter.
	Matched int64

	// Modified is the number of documents whose values changed.
	Modified int64
}

// Changed reports whether at least one document was modified.
func (r UpdateResult) Changed() bool { return r.Modified > 0 }

// DeleteResult reports the outcome of Delete.
type DeleteResult struct {
	// Deleted is the number of documents removed.
	Deleted int64
}

// Removed reports whether at least one document was removed.
func (r DeleteResult) Removed() bool { return r.Deleted > 0 }

// Counters holds the counts of the most recent Update and Delete calls.
type Counters struct {
	RecordsMatched int64
	RecordsUpdated int64
	RecordsDeleted int64
}
