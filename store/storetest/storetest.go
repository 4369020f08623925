// Package storetest provides a conformance suite that every store driver must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/shelter/internal/filter"
	"github.com/jacentio/shelter/store"
)

// Opener returns a connected Store over an empty collection. The suite
// closes the store; the opener registers any other cleanup with t.
type Opener func(t *testing.T) *store.Store

// Run executes the suite against stores returned by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *store.Store)
	}{
		{"CreateThenReadByCriteria", testCreateThenReadByCriteria},
		{"CreateRejectsEmptyDocument", testCreateRejectsEmptyDocument},
		{"CreateRejectsIdentifier", testCreateRejectsIdentifier},
		{"ReadByIDMalformed", testReadByIDMalformed},
		{"ReadByIDMissing", testReadByIDMissing},
		{"ReadByIDFound", testReadByIDFound},
		{"ReadAll", testReadAll},
		{"UpdateSetSemantics", testUpdateSetSemantics},
		{"UpdateRejectsEmptyArguments", testUpdateRejectsEmptyArguments},
		{"UpdateIsAtomicPerDocument", testUpdateIsAtomicPerDocument},
		{"IndexFieldsAcceptAnyType", testIndexFieldsAcceptAnyType},
		{"DeleteRejectsEmptyFilter", testDeleteRejectsEmptyFilter},
		{"DeleteNoMatch", testDeleteNoMatch},
		{"ScenarioMakeDogAvailable", testScenarioMakeDogAvailable},
		{"ScenarioDeleteAdoptedCats", testScenarioDeleteAdoptedCats},
		{"FilterOperators", testFilterOperators},
		{"CursorEarlyClose", testCursorEarlyClose},
		{"Counters", testCounters},
		{"ClosedStore", testClosedStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close(context.Background()) })
			tt.fn(t, s)
		})
	}
}

func seed(t *testing.T, s *store.Store, docs ...store.Document) []string {
	t.Helper()
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		res, err := s.Create(context.Background(), d)
		require.NoError(t, err)
		require.True(t, res.Acknowledged)
		ids = append(ids, res.ID)
	}
	return ids
}

func find(t *testing.T, s *store.Store, f store.Filter) []store.Document {
	t.Helper()
	cur, err := s.ReadByCriteria(context.Background(), f)
	require.NoError(t, err)
	docs, err := cur.All(context.Background())
	require.NoError(t, err)
	return docs
}

func count(t *testing.T, s *store.Store) int64 {
	t.Helper()
	n, err := s.Count(context.Background(), nil)
	require.NoError(t, err)
	return n
}

// assertFields checks every field of want is present in got with an equal value.
func assertFields(t *testing.T, want, got store.Document) {
	t.Helper()
	for k, v := range want {
		gv, ok := got[k]
		if assert.True(t, ok, "field %q missing", k) {
			assert.True(t, filter.Equal(v, gv), "field %q: want %v, got %v", k, v, gv)
		}
	}
}

func testCreateThenReadByCriteria(t *testing.T, s *store.Store) {
	doc := store.Document{
		"name":        "Rex",
		"animal_type": "Dog",
		"breed":       "Labrador Retriever Mix",
		"age":         3,
		"location":    map[string]any{"city": "Austin"},
		"tags":        []any{"friendly", "young"},
	}
	seed(t, s, doc)

	got := find(t, s, store.Filter{"name": "Rex", "animal_type": "Dog", "breed": "Labrador Retriever Mix", "age": 3})
	require.Len(t, got, 1)
	assertFields(t, doc, got[0])
	assert.NotContains(t, got[0], store.IDField)
}

func testCreateRejectsEmptyDocument(t *testing.T, s *store.Store) {
	_, err := s.Create(context.Background(), store.Document{})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = s.Create(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	assert.Zero(t, count(t, s))
}

func testCreateRejectsIdentifier(t *testing.T, s *store.Store) {
	_, err := s.Create(context.Background(), store.Document{store.IDField: store.NewID(), "name": "Rex"})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	assert.Zero(t, count(t, s))
}

func testReadByIDMalformed(t *testing.T, s *store.Store) {
	for _, id := range []string{"", "abc", "zzzzzzzzzzzzzzzzzzzzzzzz", "65a1f0c2e4b0a1b2c3d4e5f6aa"} {
		doc, found, err := s.ReadByID(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrInvalidArgument, "id %q", id)
		assert.False(t, found)
		assert.Nil(t, doc)
	}
}

func testReadByIDMissing(t *testing.T, s *store.Store) {
	seed(t, s, store.Document{"name": "Rex"})

	doc, found, err := s.ReadByID(context.Background(), store.NewID())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, doc)
}

func testReadByIDFound(t *testing.T, s *store.Store) {
	ids := seed(t, s, store.Document{"name": "Rex", "animal_type": "Dog"}, store.Document{"name": "Tom", "animal_type": "Cat"})

	doc, found, err := s.ReadByID(context.Background(), ids[1])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ids[1], doc.ID())
	assert.Equal(t, "Tom", doc["name"])

	var a store.Animal
	require.NoError(t, doc.Decode(&a))
	assert.Equal(t, ids[1], a.ID)
	assert.Equal(t, "Cat", a.AnimalType)
}

func testReadAll(t *testing.T, s *store.Store) {
	seed(t, s, store.Document{"n": 1}, store.Document{"n": 2}, store.Document{"n": 3})

	assert.Len(t, find(t, s, nil), 3)
	assert.Len(t, find(t, s, store.Filter{}), 3)
}

func testUpdateSetSemantics(t *testing.T, s *store.Store) {
	ctx := context.Background()
	seed(t, s,
		store.Document{"animal_type": "Dog", "name": "Rex", "age": 2},
		store.Document{"animal_type": "Dog", "name": "Max", "age": 5, "status": "Available"},
		store.Document{"animal_type": "Cat", "name": "Tom", "age": 4},
	)

	res, err := s.Update(ctx, store.Filter{"animal_type": "Dog"}, store.Document{"status": "Available", "checked": true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Matched)
	assert.EqualValues(t, 2, res.Modified)
	assert.True(t, res.Changed())

	for _, d := range find(t, s, store.Filter{"animal_type": "Dog"}) {
		assert.Equal(t, "Available", d["status"])
		assert.Equal(t, true, d["checked"])
	}
	cats := find(t, s, store.Filter{"animal_type": "Cat"})
	require.Len(t, cats, 1)
	assert.NotContains(t, cats[0], "status")

	// Setting values a document already has matches without modifying.
	res, err = s.Update(ctx, store.Filter{"animal_type": "Dog"}, store.Document{"status": "Available"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Matched)
	assert.EqualValues(t, 0, res.Modified)
	assert.False(t, res.Changed())

	res, err = s.Update(ctx, store.Filter{"animal_type": "Bird"}, store.Document{"status": "Available"})
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Zero(t, res.Modified)
}

func testUpdateIsAtomicPerDocument(t *testing.T, s *store.Store) {
	ctx := context.Background()
	ids := seed(t, s, store.Document{"type": "Dog", "loc": "Austin"})

	// loc is not a document, so loc.city cannot be set.
	_, err := s.Update(ctx, store.Filter{"type": "Dog"}, store.Document{"status": "Available", "loc.city": "Austin", "z": 1})
	assert.ErrorIs(t, err, store.ErrStoreOperationFailed)

	doc, found, err := s.ReadByID(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, doc, "status")
	assert.NotContains(t, doc, "z")
	assert.Equal(t, "Austin", doc["loc"])
}

// Index fields are ordinary fields: any value type and the empty string are
// stored, matched and replaced like the rest of the document.
func testIndexFieldsAcceptAnyType(t *testing.T, s *store.Store) {
	ctx := context.Background()
	seed(t, s,
		store.Document{"animal_type": 5, "breed": "", "location_found": true},
		store.Document{"animal_type": "Dog", "breed": "Beagle", "location_found": "Austin"},
	)

	assert.Len(t, find(t, s, store.Filter{"animal_type": 5}), 1)
	assert.Len(t, find(t, s, store.Filter{"breed": ""}), 1)
	assert.Len(t, find(t, s, store.Filter{"location_found": true}), 1)
	assert.Len(t, find(t, s, store.Filter{"breed": "Beagle"}), 1)

	res, err := s.Update(ctx, store.Filter{"breed": "Beagle"}, store.Document{"breed": 0, "animal_type": ""})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Modified)

	assert.Empty(t, find(t, s, store.Filter{"breed": "Beagle"}))
	got := find(t, s, store.Filter{"breed": 0})
	require.Len(t, got, 1)
	assertFields(t, store.Document{"breed": 0, "animal_type": "", "location_found": "Austin"}, got[0])
	assert.ElementsMatch(t, []string{"animal_type", "breed", "location_found"}, lo.Keys(got[0]))
}

func testUpdateRejectsEmptyArguments(t *testing.T, s *store.Store) {
	ctx := context.Background()
	seed(t, s, store.Document{"animal_type": "Dog"})

	_, err := s.Update(ctx, store.Filter{"animal_type": "Dog"}, store.Document{})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = s.Update(ctx, store.Filter{}, store.Document{"status": "Available"})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = s.Update(ctx, nil, store.Document{"status": "Available"})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = s.Update(ctx, store.Filter{"animal_type": "Dog"}, store.Document{store.IDField: store.NewID()})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	assert.Empty(t, find(t, s, store.Filter{"status": "Available"}))
}

func testDeleteRejectsEmptyFilter(t *testing.T, s *store.Store) {
	seed(t, s, store.Document{"animal_type": "Dog"})

	_, err := s.Delete(context.Background(), store.Filter{})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	_, err = s.Delete(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	assert.EqualValues(t, 1, count(t, s))
}

func testDeleteNoMatch(t *testing.T, s *store.Store) {
	seed(t, s, store.Document{"animal_type": "Dog"})

	res, err := s.Delete(context.Background(), store.Filter{"animal_type": "Bird"})
	require.NoError(t, err)
	assert.False(t, res.Removed())
	assert.Zero(t, res.Deleted)
	assert.Zero(t, s.Counters().RecordsDeleted)
	assert.EqualValues(t, 1, count(t, s))
}

func testScenarioMakeDogAvailable(t *testing.T, s *store.Store) {
	seed(t, s, store.Document{"type": "Dog"}, store.Document{"type": "Cat"})

	res, err := s.Update(context.Background(), store.Filter{"type": "Dog"}, store.Document{"status": "Available"})
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.EqualValues(t, 1, res.Matched)
	assert.EqualValues(t, 1, res.Modified)

	got := find(t, s, store.Filter{"status": "Available"})
	require.Len(t, got, 1)
	assert.Equal(t, "Dog", got[0]["type"])
	assert.Equal(t, "Available", got[0]["status"])
	assert.NotContains(t, got[0], store.IDField)
}

func testScenarioDeleteAdoptedCats(t *testing.T, s *store.Store) {
	seed(t, s,
		store.Document{"type": "Cat", "status": "Adopted"},
		store.Document{"type": "Cat", "status": "Adopted"},
		store.Document{"type": "Dog", "status": "Adopted"},
	)

	res, err := s.Delete(context.Background(), store.Filter{"type": "Cat", "status": "Adopted"})
	require.NoError(t, err)
	assert.True(t, res.Removed())
	assert.EqualValues(t, 2, res.Deleted)
	assert.EqualValues(t, 2, s.Counters().RecordsDeleted)
	assert.EqualValues(t, 1, count(t, s))
}

func testFilterOperators(t *testing.T, s *store.Store) {
	seed(t, s,
		store.Document{"name": "Rex", "animal_type": "Dog", "age": 2, "tags": []any{"friendly", "young"}, "location": map[string]any{"city": "Austin"}},
		store.Document{"name": "Max", "animal_type": "Dog", "age": 7, "chip": "A1", "location": map[string]any{"city": "Round Rock"}},
		store.Document{"name": "Tom", "animal_type": "Cat", "age": 4, "tags": []any{"shy"}},
	)

	names := func(f store.Filter) []string {
		var out []string
		for _, d := range find(t, s, f) {
			out = append(out, d["name"].(string))
		}
		return out
	}

	tests := []struct {
		name   string
		filter store.Filter
		want   []string
	}{
		{"eq", store.Filter{"animal_type": map[string]any{"$eq": "Cat"}}, []string{"Tom"}},
		{"ne", store.Filter{"animal_type": map[string]any{"$ne": "Dog"}}, []string{"Tom"}},
		{"gt", store.Filter{"age": map[string]any{"$gt": 4}}, []string{"Max"}},
		{"gte lte", store.Filter{"age": map[string]any{"$gte": 2, "$lte": 4}}, []string{"Rex", "Tom"}},
		{"lt", store.Filter{"age": map[string]any{"$lt": 3}}, []string{"Rex"}},
		{"in", store.Filter{"name": map[string]any{"$in": []any{"Rex", "Tom", "Nobody"}}}, []string{"Rex", "Tom"}},
		{"nin", store.Filter{"name": map[string]any{"$nin": []any{"Rex", "Tom"}}}, []string{"Max"}},
		{"exists", store.Filter{"chip": map[string]any{"$exists": true}}, []string{"Max"}},
		{"not exists", store.Filter{"tags": map[string]any{"$exists": false}}, []string{"Max"}},
		{"or", store.Filter{"$or": []any{map[string]any{"name": "Rex"}, map[string]any{"age": 4}}}, []string{"Rex", "Tom"}},
		{"and", store.Filter{"$and": []any{map[string]any{"animal_type": "Dog"}, map[string]any{"age": map[string]any{"$gt": 3}}}}, []string{"Max"}},
		{"dotted path", store.Filter{"location.city": "Round Rock"}, []string{"Max"}},
		{"array contains", store.Filter{"tags": "friendly"}, []string{"Rex"}},
		{"no match", store.Filter{"animal_type": "Bird"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, names(tt.filter))
		})
	}
}

func testCursorEarlyClose(t *testing.T, s *store.Store) {
	ctx := context.Background()
	seed(t, s, store.Document{"n": 1}, store.Document{"n": 2}, store.Document{"n": 3})

	cur, err := s.ReadByCriteria(ctx, nil)
	require.NoError(t, err)
	require.True(t, cur.Next(ctx))
	require.NoError(t, cur.Close(ctx))
	require.NoError(t, cur.Close(ctx))
	assert.False(t, cur.Next(ctx))

	cur, err = s.ReadByCriteria(ctx, nil)
	require.NoError(t, err)
	seen := 0
	for _, err := range cur.Documents(ctx) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func testCounters(t *testing.T, s *store.Store) {
	ctx := context.Background()
	seed(t, s, store.Document{"type": "Dog"}, store.Document{"type": "Dog", "status": "Available"})

	assert.Equal(t, store.Counters{}, s.Counters())

	_, err := s.Update(ctx, store.Filter{"type": "Dog"}, store.Document{"status": "Available"})
	require.NoError(t, err)
	assert.Equal(t, store.Counters{RecordsMatched: 2, RecordsUpdated: 1}, s.Counters())

	_, err = s.Delete(ctx, store.Filter{"type": "Dog"})
	require.NoError(t, err)
	assert.Equal(t, store.Counters{RecordsMatched: 2, RecordsUpdated: 1, RecordsDeleted: 2}, s.Counters())
}

func testClosedStore(t *testing.T, s *store.Store) {
	ctx := context.Background()
	s.Close(ctx)
	s.Close(ctx)

	_, err := s.Create(ctx, store.Document{"name": "Rex"})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, _, err = s.ReadByID(ctx, store.NewID())
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.ReadByCriteria(ctx, nil)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.Update(ctx, store.Filter{"a": 1}, store.Document{"b": 2})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.Delete(ctx, store.Filter{"a": 1})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	_, err = s.Count(ctx, nil)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}
