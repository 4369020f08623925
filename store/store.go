package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store is the animal record store client. It validates inputs, forwards
// operations to a Collection, and logs every outcome.
//
// A Store is safe for concurrent use. Per-call results carry the authoritative
// counts; Counters is a snapshot of whichever Update/Delete finished last.
type Store struct {
	coll   Collection
	logger *zap.Logger
	closed atomic.Bool

	mu       sync.Mutex
	counters Counters
}

// New wraps an already connected Collection.
func New(coll Collection, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		coll:   coll,
		logger: logger,
	}
}

// Open connects to the store described by cfg, verifies it is reachable and
// ensures the configured secondary indexes. Index failures are logged, not returned.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("driver", cfg.Driver), zap.String("collection", cfg.Collection))

	var (
		coll Collection
		err  error
	)
	switch cfg.Driver {
	case DriverMongo:
		coll, err = dialMongo(ctx, cfg, logger)
	case DriverDynamo:
		coll, err = dialDynamo(ctx, cfg, logger)
	case DriverMemory:
		coll = NewMemoryCollection()
	default:
		return nil, invalidArgument("open", "unknown driver %q", cfg.Driver)
	}
	if err != nil {
		logger.Error("store connection failed", zap.Any("config", cfg.redacted()), zap.Error(err))
		return nil, unavailable("open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := coll.Ping(pingCtx); err != nil {
		logger.Error("store not reachable", zap.Any("config", cfg.redacted()), zap.Error(err))
		_ = coll.Close(ctx)
		return nil, unavailable("open", err)
	}
	logger.Info("connected to store", zap.Any("config", cfg.redacted()))

	if !cfg.SkipIndexes && len(cfg.IndexFields) > 0 {
		if err := coll.EnsureIndexes(ctx, cfg.IndexFields); err != nil {
			logger.Warn("index creation failed", zap.Strings("fields", cfg.IndexFields), zap.Error(err))
		} else {
			logger.Info("indexes ensured", zap.Strings("fields", cfg.IndexFields))
		}
	}

	return New(coll, logger), nil
}

// Create inserts one non-empty document. The store assigns its identifier.
func (s *Store) Create(ctx context.Context, doc Document) (CreateResult, error) {
	const op = "create"
	if err := s.checkOpen(op); err != nil {
		return CreateResult{}, err
	}
	if len(doc) == 0 {
		return CreateResult{}, s.reject(op, invalidArgument(op, "no document to save, data is empty"))
	}
	if _, ok := doc[IDField]; ok {
		return CreateResult{}, s.reject(op, invalidArgument(op, "%s is assigned by the store", IDField))
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return CreateResult{}, s.fail(op, err)
	}
	if !res.Acknowledged {
		s.logger.Warn("insert not acknowledged by the store")
		return res, nil
	}
	s.logger.Info("record created", zap.String("id", res.ID))
	return res, nil
}

// ReadByID returns the document with id. found is false when no document has
// that identifier; that is not an error.
func (s *Store) ReadByID(ctx context.Context, id string) (doc Document, found bool, err error) {
	const op = "read"
	if err := s.checkOpen(op); err != nil {
		return nil, false, err
	}
	if !ValidID(id) {
		return nil, false, s.reject(op, invalidArgument(op, "malformed identifier %q", id))
	}

	doc, err = s.coll.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("no record found", zap.String("id", id))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail(op, err)
	}
	s.logger.Info("record retrieved", zap.String("id", id))
	return doc, true, nil
}

// ReadByCriteria returns a lazy cursor over documents matching filter.
// A nil or empty filter selects all documents. Identifiers are excluded from
// the returned documents; use ReadByID to see them.
func (s *Store) ReadByCriteria(ctx context.Context, filter Filter) (*Cursor, error) {
	const op = "read"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = Filter{}
	}

	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if len(filter) == 0 {
		s.logger.Info("retrieving all records")
	} else {
		s.logger.Info("retrieving records by criteria", zap.Any("criteria", filter))
	}
	return &Cursor{cur: cur, logger: s.logger}, nil
}

// Update sets values on every document matching filter. Both must be non-empty.
func (s *Store) Update(ctx context.Context, filter Filter, values Document) (UpdateResult, error) {
	const op = "update"
	if err := s.checkOpen(op); err != nil {
		return UpdateResult{}, err
	}
	if len(filter) == 0 {
		return UpdateResult{}, s.reject(op, invalidArgument(op, "no search criteria is present"))
	}
	if len(values) == 0 {
		return UpdateResult{}, s.reject(op, invalidArgument(op, "no update value is present"))
	}
	if _, ok := values[IDField]; ok {
		return UpdateResult{}, s.reject(op, invalidArgument(op, "%s is immutable", IDField))
	}

	res, err := s.coll.UpdateMany(ctx, filter, values)
	if err != nil {
		return UpdateResult{}, s.fail(op, err)
	}

	s.mu.Lock()
	s.counters.RecordsMatched = res.Matched
	s.counters.RecordsUpdated = res.Modified
	s.mu.Unlock()

	s.logger.Info("update operation",
		zap.Any("criteria", filter),
		zap.Int64("matched", res.Matched),
		zap.Int64("modified", res.Modified),
	)
	return res, nil
}

// Delete removes every document matching filter. The filter must be non-empty.
func (s *Store) Delete(ctx context.Context, filter Filter) (DeleteResult, error) {
	const op = "delete"
	if err := s.checkOpen(op); err != nil {
		return DeleteResult{}, err
	}
	if len(filter) == 0 {
		return DeleteResult{}, s.reject(op, invalidArgument(op, "no search criteria is present"))
	}

	res, err := s.coll.DeleteMany(ctx, filter)
	if err != nil {
		return DeleteResult{}, s.fail(op, err)
	}

	s.mu.Lock()
	s.counters.RecordsDeleted = res.Deleted
	s.mu.Unlock()

	s.logger.Info("delete operation", zap.Any("criteria", filter), zap.Int64("deleted", res.Deleted))
	return res, nil
}

// Count returns the number of documents matching filter. nil counts everything.
func (s *Store) Count(ctx context.Context, filter Filter) (int64, error) {
	const op = "count"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	if filter == nil {
		filter = Filter{}
	}
	n, err := s.coll.Count(ctx, filter)
	if err != nil {
		return 0, s.fail(op, err)
	}
	s.logger.Debug("count operation", zap.Any("criteria", filter), zap.Int64("count", n))
	return n, nil
}

// Counters returns the counts recorded by the most recent Update and Delete.
func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Close releases the connection. Subsequent operations fail with
// ErrStoreUnavailable. Close is idempotent and never returns an error;
// failures are logged.
func (s *Store) Close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if err := s.coll.Close(ctx); err != nil {
		s.logger.Error("error closing store connection", zap.Error(err))
		return
	}
	s.logger.Info("store connection closed")
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		err := unavailable(op, fmt.Errorf("store is closed"))
		s.logger.Error("operation on closed store", zap.String("op", op))
		return err
	}
	return nil
}

func (s *Store) reject(op string, err error) error {
	s.logger.Warn("rejected "+op, zap.Error(err))
	return err
}

func (s *Store) fail(op string, err error) error {
	wrapped := operationFailed(op, err)
	s.logger.Error(op+" failed", zap.Error(err))
	return wrapped
}
