package store

import (
	"context"
	"iter"

	"go.uber.org/zap"
)

// Cursor is a lazy sequence of documents returned by ReadByCriteria.
// It must be closed when the caller stops iterating early.
type Cursor struct {
	cur    DocumentCursor
	logger *zap.Logger
	count  int
	closed bool
}

// Next advances the cursor. It returns false when the sequence is exhausted
// or an error occurred; check Err afterwards.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.closed {
		return false
	}
	if c.cur.Next(ctx) {
		c.count++
		return true
	}
	return false
}

// Document returns the current document.
func (c *Cursor) Document() Document {
	return c.cur.Document()
}

// Err returns the error that ended iteration, wrapped as ErrStoreOperationFailed.
func (c *Cursor) Err() error {
	if err := c.cur.Err(); err != nil {
		return operationFailed("read", err)
	}
	return nil
}

// Close releases the underlying store cursor. It is safe to call more than once.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug("cursor closed", zap.Int("documents", c.count))
	if err := c.cur.Close(ctx); err != nil {
		return operationFailed("read", err)
	}
	return nil
}

// All drains the cursor and closes it.
func (c *Cursor) All(ctx context.Context) ([]Document, error) {
	defer c.Close(ctx)

	var docs []Document
	for c.Next(ctx) {
		docs = append(docs, c.Document())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Documents returns a single-use iterator over the cursor. The cursor is
// closed when iteration ends or the loop breaks; an iteration error is
// yielded as the final pair.
func (c *Cursor) Documents(ctx context.Context) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		defer c.Close(ctx)
		for c.Next(ctx) {
			if !yield(c.Document(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(nil, err)
		}
	}
}
