// Package datastore is the operation orchestrator. It answers Get, Find and
// Count from the local cache, the backend or both, writes through the cache
// and the sync queue according to the collection's write policy, and
// reconciles the two with Push, Pull, Sync and Purge.
//
// Every operation returns a *Request handle: a cancellable, progress
// reporting future that delivers one completion, or two (local first) when
// the policy consults both the cache and the network.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/docsync/internal/cache"
	"github.com/tonimelisma/docsync/internal/query"
	"github.com/tonimelisma/docsync/internal/record"
	"github.com/tonimelisma/docsync/internal/remote"
	"github.com/tonimelisma/docsync/internal/store"
	"github.com/tonimelisma/docsync/internal/syncqueue"
)

// DefaultMaxPageSize is the largest page auto-pagination requests.
const DefaultMaxPageSize = 10000

// Errors returned by the orchestrator itself. Backend failures surface as
// the remote package's kinds.
var (
	ErrInvalidStoreType  = errors.New("datastore: operation not supported by this store type")
	ErrPendingOperations = errors.New("datastore: collection has pending operations, push or purge first")
	ErrEmptyInput        = errors.New("datastore: nothing to save")
	ErrNotFound          = errors.New("datastore: entity not found")
)

// Store is the transactional local store shared by every collection.
type Store interface {
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
	View(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Remote is the backend the orchestrator talks to. *remote.Client
// implements it.
type Remote interface {
	Count(ctx context.Context, collection string, q query.Query) (int, error)
	Find(ctx context.Context, collection string, q query.Query) (*remote.FindResult, error)
	FindDelta(ctx context.Context, collection string, q query.Query, since string) (*remote.DeltaResult, error)
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Save(ctx context.Context, collection string, rec record.Record) (json.RawMessage, error)
	SaveMany(ctx context.Context, collection string, recs []record.Record) (*remote.MultiSaveResult, error)
	RemoveByID(ctx context.Context, collection, id string) (int, error)
	RemoveByQuery(ctx context.Context, collection string, q query.Query) (int, error)
	NewSaveRequest(ctx context.Context, collection string, rec record.Record) (*http.Request, error)
	NewRemoveRequest(ctx context.Context, collection, id string) (*http.Request, error)
	Replay(ctx context.Context, req *http.Request) (*remote.Response, error)
	MaxConcurrency() int
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store  Store
	Remote Remote

	// UserID is the active user. It becomes the creator of records saved
	// locally without an access-control block.
	UserID string

	Schemas     *record.Registry
	Logger      *slog.Logger
	TTL         time.Duration
	MaxPageSize int
}

// Engine is the context shared by every collection of one application: the
// local store, the backend client and the active user. Independent engines
// do not share state.
type Engine struct {
	store       Store
	remote      Remote
	userID      string
	schemas     *record.Registry
	logger      *slog.Logger
	ttl         time.Duration
	maxPageSize int
}

// NewEngine returns an engine for cfg.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > DefaultMaxPageSize {
		cfg.MaxPageSize = DefaultMaxPageSize
	}

	return &Engine{
		store:       cfg.Store,
		remote:      cfg.Remote,
		userID:      cfg.UserID,
		schemas:     cfg.Schemas,
		logger:      cfg.Logger,
		ttl:         cfg.TTL,
		maxPageSize: cfg.MaxPageSize,
	}
}

// UserID returns the active user.
func (e *Engine) UserID() string {
	return e.userID
}

// PendingByCollection counts outstanding operations per collection.
func (e *Engine) PendingByCollection(ctx context.Context) (map[string]int, error) {
	var out map[string]int

	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error

		out, err = tx.CountPendingByCollection()

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: counting pending operations: %w", err)
	}

	return out, nil
}

// Option configures a DataStore.
type Option func(*DataStore)

// WithStoreType selects the store type and with it the default policies.
func WithStoreType(t StoreType) Option {
	return func(d *DataStore) {
		d.storeType = t
		d.readPolicy, d.writePolicy = t.policies()
	}
}

// WithDeltaSet turns delta fetches on or off.
func WithDeltaSet(enabled bool) Option {
	return func(d *DataStore) { d.deltaSet = enabled }
}

// WithAutoPagination makes every network find count first and fetch pages
// concurrently.
func WithAutoPagination(enabled bool) Option {
	return func(d *DataStore) { d.autoPagination = enabled }
}

// WithMultiInsert lets Push and SaveMany create several entities per
// request.
func WithMultiInsert(enabled bool) Option {
	return func(d *DataStore) { d.multiInsert = enabled }
}

// WithValidation checks fetched documents before they are cached.
func WithValidation(v Validator) Option {
	return func(d *DataStore) { d.validator = v }
}

// WithPageSize overrides the engine's auto-pagination page size.
func WithPageSize(n int) Option {
	return func(d *DataStore) {
		if n > 0 && n <= DefaultMaxPageSize {
			d.pageSize = n
		}
	}
}

// DataStore is one collection seen through the engine.
type DataStore struct {
	engine     *Engine
	collection string
	cache      *cache.Cache
	queue      *syncqueue.Queue
	logger     *slog.Logger

	storeType      StoreType
	readPolicy     ReadPolicy
	writePolicy    WritePolicy
	deltaSet       bool
	autoPagination bool
	multiInsert    bool
	validator      Validator
	pageSize       int
}

// Collection returns the data store of name. The default store type is
// StoreSync.
func (e *Engine) Collection(name string, opts ...Option) *DataStore {
	logger := e.logger.With(slog.String("collection", name))

	var cacheOpts []cache.Option
	if e.ttl > 0 {
		cacheOpts = append(cacheOpts, cache.WithTTL(e.ttl))
	}

	d := &DataStore{
		engine:     e,
		collection: name,
		cache:      cache.New(e.store, name, e.schemas.Lookup(name), logger, cacheOpts...),
		queue:      syncqueue.New(e.store, name, logger),
		logger:     logger,
		pageSize:   e.maxPageSize,
	}

	WithStoreType(StoreSync)(d)

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Name returns the collection name.
func (d *DataStore) Name() string {
	return d.collection
}

// StoreType returns the configured store type.
func (d *DataStore) StoreType() StoreType {
	return d.storeType
}

// Cache exposes the collection's local cache.
func (d *DataStore) Cache() *cache.Cache {
	return d.cache
}

// PendingCount returns how many operations wait to be pushed.
func (d *DataStore) PendingCount(ctx context.Context) (int, error) {
	return d.queue.Count(ctx)
}

// PendingOperations lists the outstanding operations in queue order.
func (d *DataStore) PendingOperations(ctx context.Context) ([]syncqueue.PendingOperation, error) {
	return d.queue.PendingOperations(ctx, "")
}

// ClearCache removes the cached entities matching q together with their
// pending operations. A nil q clears the whole collection, its pending
// operations and its watermarks.
func (d *DataStore) ClearCache(ctx context.Context, q *query.Query) (int, error) {
	if q == nil || q.Unconstrained() {
		if _, err := d.queue.RemoveAll(ctx, ""); err != nil {
			return 0, fmt.Errorf("datastore: clearing pending operations: %w", err)
		}

		return d.cache.Clear(ctx, q)
	}

	var n int

	err := d.engine.store.Update(ctx, func(tx *store.Tx) error {
		removed, err := d.cache.RemoveByQueryTx(tx, *q)
		if err != nil {
			return err
		}

		for _, r := range removed {
			if _, err := d.queue.RemoveAllTx(tx, r.ID()); err != nil {
				return err
			}
		}

		n = len(removed)

		return d.cache.InvalidateLastSyncTx(tx, *q)
	})
	if err != nil {
		return 0, fmt.Errorf("datastore: clearing cache: %w", err)
	}

	return n, nil
}

// pendingIDsTx returns the ids of objects with an outstanding operation.
// Network results never overwrite or delete these.
func (d *DataStore) pendingIDsTx(tx *store.Tx) (map[string]bool, error) {
	ops, err := d.queue.PendingOperationsTx(tx, "")
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(ops))
	for _, op := range ops {
		ids[op.ObjectID] = true
	}

	return ids, nil
}

func (d *DataStore) requireSyncable() error {
	if d.storeType == StoreNetwork {
		return fmt.Errorf("%w: %s store %s", ErrInvalidStoreType, d.storeType, d.collection)
	}

	return nil
}
