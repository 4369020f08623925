package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/copystructure"

	"github.com/jacentio/shelter/internal/filter"
)

// MemoryCollection keeps documents in memory in insertion order.
// Data is lost when the process exits. Safe for concurrent use.
type MemoryCollection struct {
	mu    sync.RWMutex
	docs  map[string]map[string]any
	order []string
}

// NewMemoryCollection returns an empty in-memory collection.
func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{docs: make(map[string]map[string]any)}
}

func (m *MemoryCollection) Ping(context.Context) error { return nil }

// EnsureIndexes is a no-op; every read is a full scan.
func (m *MemoryCollection) EnsureIndexes(context.Context, []string) error { return nil }

func (m *MemoryCollection) InsertOne(_ context.Context, doc Document) (CreateResult, error) {
	stored := filter.Normalize(map[string]any(doc)).(map[string]any)
	id := NewID()
	stored[IDField] = id

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = stored
	m.order = append(m.order, id)
	return CreateResult{Acknowledged: true, ID: id}, nil
}

func (m *MemoryCollection) FindByID(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc)
}

// Find snapshots the matching documents at call time.
func (m *MemoryCollection) Find(_ context.Context, f Filter) (DocumentCursor, error) {
	node, err := parseFilter(f)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, id := range m.order {
		doc := m.docs[id]
		if !filter.Match(node, doc) {
			continue
		}
		cp, err := copyDocument(doc)
		if err != nil {
			return nil, err
		}
		delete(cp, IDField)
		out = append(out, cp)
	}
	return &sliceCursor{docs: out, pos: -1}, nil
}

// UpdateMany applies values to copies of the matching documents and stores
// them only once every copy succeeded, so a failed call changes nothing.
func (m *MemoryCollection) UpdateMany(_ context.Context, f Filter, values Document) (UpdateResult, error) {
	node, err := parseFilter(f)
	if err != nil {
		return UpdateResult{}, err
	}
	set := filter.Normalize(map[string]any(values)).(map[string]any)

	m.mu.Lock()
	defer m.mu.Unlock()
	var res UpdateResult
	updated := make(map[string]map[string]any)
	for _, id := range m.order {
		doc := m.docs[id]
		if !filter.Match(node, doc) {
			continue
		}
		res.Matched++

		next, err := applySet(doc, set)
		if err != nil {
			return UpdateResult{}, err
		}
		if next != nil {
			updated[id] = next
		}
	}
	for id, doc := range updated {
		m.docs[id] = doc
	}
	res.Modified = int64(len(updated))
	return res, nil
}

// applySet returns a copy of doc with set applied, or nil when nothing changes.
// doc itself is never modified.
func applySet(doc, set map[string]any) (map[string]any, error) {
	var next map[string]any
	for path, v := range set {
		if cur, ok := filter.Lookup(doc, path); ok && filter.Equal(cur, v) {
			continue
		}
		if next == nil {
			cp, err := copyDocument(doc)
			if err != nil {
				return nil, err
			}
			next = cp
		}
		cp, err := copystructure.Copy(v)
		if err != nil {
			return nil, err
		}
		if !filter.Set(next, path, cp) {
			return nil, fmt.Errorf("cannot set %q: parent is not a document", path)
		}
	}
	return next, nil
}

func (m *MemoryCollection) DeleteMany(_ context.Context, f Filter) (DeleteResult, error) {
	node, err := parseFilter(f)
	if err != nil {
		return DeleteResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var res DeleteResult
	kept := m.order[:0]
	for _, id := range m.order {
		if filter.Match(node, m.docs[id]) {
			delete(m.docs, id)
			res.Deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return res, nil
}

func (m *MemoryCollection) Count(_ context.Context, f Filter) (int64, error) {
	node, err := parseFilter(f)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, id := range m.order {
		if filter.Match(node, m.docs[id]) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryCollection) Close(context.Context) error { return nil }

func copyDocument(doc map[string]any) (Document, error) {
	cp, err := copystructure.Copy(doc)
	if err != nil {
		return nil, fmt.Errorf("copy document: %w", err)
	}
	return Document(cp.(map[string]any)), nil
}

// parseFilter parses f, reporting unsupported syntax as ErrInvalidArgument.
func parseFilter(f Filter) (filter.Node, error) {
	node, err := filter.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return node, nil
}

// sliceCursor iterates a pre-materialized result set.
type sliceCursor struct {
	docs []Document
	pos  int
}

func (c *sliceCursor) Next(context.Context) bool {
	if c.pos+1 >= len(c.docs) {
		c.pos = len(c.docs)
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Document() Document {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil
	}
	return c.docs[c.pos]
}

func (c *sliceCursor) Err() error                  { return nil }
func (c *sliceCursor) Close(context.Context) error { return nil }
