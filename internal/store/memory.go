package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/cloudbridge/internal/schema"
)

// Persister writes committed change sets to durable storage. Persist runs
// while the writer lock is held and before the change set is published;
// an error aborts the commit.
type Persister interface {
	Persist(ctx context.Context, cs ChangeSet) error
}

// ChangeSet is everything one commit wrote.
type ChangeSet struct {
	Seq     int64
	Upserts []Record
	Deletes []ObjectID
}

// Empty reports whether the commit changed nothing.
func (cs ChangeSet) Empty() bool { return len(cs.Upserts) == 0 && len(cs.Deletes) == 0 }

// Record is the persisted form of one object.
type Record struct {
	ID      ObjectID
	Version int64
	Values  map[string]any
}

type record struct {
	values  map[string]any
	version int64
}

// Option configures a Memory store.
type Option func(*Memory)

// WithLogger sets the logger for commit and watch diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// WithPersister makes every commit durable through p.
func WithPersister(p Persister) Option {
	return func(m *Memory) { m.persister = p }
}

// Memory is the in-memory object cache and the reference Store.
//
// Thread-safety: reads may run from any goroutine. Writers are serialized
// by a single-writer lock held for the lifetime of a Tx; a goroutine that
// needs a transaction while one is open on its ctx must join it through
// Transaction rather than call Begin again.
type Memory struct {
	registry  *schema.Registry
	logger    *slog.Logger
	persister Persister
	clock     *Clock

	// writer is a one-slot semaphore so Begin can honor ctx cancellation.
	writer chan struct{}

	mu      sync.RWMutex
	rows    map[ObjectID]*record
	order   []ObjectID
	nextRow atomic.Int64

	watchMu  sync.Mutex
	watchers map[*Token]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store for the entities of registry.
func NewMemory(registry *schema.Registry, opts ...Option) *Memory {
	m := &Memory{
		registry: registry,
		logger:   slog.Default(),
		clock:    NewClock(),
		writer:   make(chan struct{}, 1),
		rows:     make(map[ObjectID]*record),
		watchers: make(map[*Token]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// load replaces the store contents with persisted records.
func (m *Memory) load(records []Record, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = make(map[ObjectID]*record, len(records))
	m.order = m.order[:0]
	var maxRow int64
	for _, r := range records {
		m.rows[r.ID] = &record{values: r.Values, version: r.Version}
		m.order = append(m.order, r.ID)
		maxRow = max(maxRow, r.ID.Row)
		seq = max(seq, r.Version)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i].Row < m.order[j].Row })
	m.nextRow.Store(maxRow)
	m.clock = NewClockAt(seq)
}

func (m *Memory) Registry() *schema.Registry                 { return m.registry }
func (m *Memory) Entities() []*schema.Entity                 { return m.registry.Entities() }
func (m *Memory) EntitiesByName() map[string]*schema.Entity { return m.registry.EntitiesByName() }
func (m *Memory) EntityForType(name string) *schema.Entity   { return m.registry.Entity(name) }

func (m *Memory) InverseRelationship(entity *schema.Entity, relationship string) *schema.Relationship {
	return m.registry.InverseRelationship(entity, relationship)
}

// CommitSeq is the sequence number of the latest commit.
func (m *Memory) CommitSeq() int64 { return m.clock.Current() }

func (m *Memory) snapshot(id ObjectID, r *record) *Object {
	return &Object{
		id:      id,
		entity:  m.registry.Entity(id.Entity),
		values:  r.values,
		version: r.version,
	}
}

// Get returns the committed snapshot of id.
func (m *Memory) Get(ctx context.Context, id ObjectID) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.snapshot(id, r), nil
}

// committed lists snapshots of every object of entity's kind in row order.
func (m *Memory) committed(entity *schema.Entity, exact bool) []*Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Object
	for _, id := range m.order {
		if !matchesEntity(m.registry.Entity(id.Entity), entity, exact) {
			continue
		}
		out = append(out, m.snapshot(id, m.rows[id]))
	}
	return out
}

func matchesEntity(candidate, entity *schema.Entity, exact bool) bool {
	if candidate == nil || entity == nil {
		return false
	}
	if exact {
		return candidate.Name == entity.Name
	}
	return candidate.IsKindOf(entity)
}

func (m *Memory) checkEntity(entity *schema.Entity) error {
	if entity == nil || m.registry.Entity(entity.Name) != entity {
		name := "<nil>"
		if entity != nil {
			name = entity.Name
		}
		return fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return nil
}

func (m *Memory) ObjectWithPrimaryKey(ctx context.Context, entity *schema.Entity, pk any) (*Object, error) {
	if err := m.checkEntity(entity); err != nil {
		return nil, err
	}
	return objectWithPrimaryKey(m.committed(entity, false), entity, pk), nil
}

func (m *Memory) IndexedObjects(ctx context.Context, entity *schema.Entity, values []any, attribute string) (map[any]*Object, error) {
	if err := m.checkEntity(entity); err != nil {
		return nil, err
	}
	return indexObjects(m.committed(entity, false), values, attribute), nil
}

func (m *Memory) Fetch(ctx context.Context, req FetchRequest) ([]*Object, error) {
	if err := m.checkEntity(req.Entity); err != nil {
		return nil, err
	}
	return filterAndSort(m.committed(req.Entity, req.ExactEntity), req), nil
}

func objectWithPrimaryKey(objs []*Object, entity *schema.Entity, pk any) *Object {
	if pk == nil {
		return nil
	}
	idKey := entity.RESTIdentifier()
	for _, o := range objs {
		if o.Bool(PendingDeletionKey) {
			continue
		}
		if v := o.Value(idKey); v != nil && indexKeyEqual(v, pk) {
			return o
		}
	}
	return nil
}

func indexObjects(objs []*Object, values []any, attribute string) map[any]*Object {
	want := make(map[any]bool, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		if k := IndexKey(v); comparableKey(k) {
			want[k] = true
		}
	}
	out := make(map[any]*Object, len(want))
	for _, o := range objs {
		v := o.Value(attribute)
		if v == nil {
			continue
		}
		k := IndexKey(v)
		if !comparableKey(k) || !want[k] {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = o
		}
	}
	return out
}

func filterAndSort(objs []*Object, req FetchRequest) []*Object {
	out := objs[:0:0]
	for _, o := range objs {
		if !req.IncludePendingDeletions && o.Bool(PendingDeletionKey) {
			continue
		}
		if req.Predicate != nil && !req.Predicate.Match(o) {
			continue
		}
		out = append(out, o)
	}
	if len(req.SortBy) > 0 {
		slices.SortStableFunc(out, func(a, b *Object) int {
			for _, sd := range req.SortBy {
				c := compareValues(a.Value(sd.Key), b.Value(sd.Key))
				if sd.Descending {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}

// Begin opens a write transaction. It blocks while another transaction is
// open and fails with ErrTransactionInProgress if ctx already carries one
// of this store, which would otherwise deadlock.
func (m *Memory) Begin(ctx context.Context) (*Tx, error) {
	if tx := TxFromContext(ctx); tx != nil && tx.store == m {
		return nil, ErrTransactionInProgress
	}
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return newTx(ctx, m), nil
}

func (m *Memory) release() { <-m.writer }

func (m *Memory) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	if tx := TxFromContext(ctx); tx != nil && tx.store == m {
		return fn(ctx, tx)
	}
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !tx.done {
			tx.Rollback()
		}
	}()
	if err := fn(ContextWithTx(ctx, tx), tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Memory) Mutate(ctx context.Context, obj *Object, fn func(*Object) error) (*Object, error) {
	err := m.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		editable, err := tx.Edit(obj)
		if err != nil {
			return err
		}
		return fn(editable)
	})
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, obj.ID())
}

func (m *Memory) Delete(ctx context.Context, objs ...*Object) error {
	return m.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Delete(objs...)
	})
}

// publish makes a persisted change set visible.
func (m *Memory) publish(cs ChangeSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range cs.Deletes {
		delete(m.rows, id)
	}
	if len(cs.Deletes) > 0 {
		m.order = slices.DeleteFunc(m.order, func(id ObjectID) bool {
			_, ok := m.rows[id]
			return !ok
		})
	}
	var added []ObjectID
	for _, r := range cs.Upserts {
		if _, exists := m.rows[r.ID]; !exists {
			added = append(added, r.ID)
		}
		m.rows[r.ID] = &record{values: r.Values, version: r.Version}
	}
	// Row ids are allocated under the writer lock, so new rows always sort
	// after existing ones.
	sort.Slice(added, func(i, j int) bool { return added[i].Row < added[j].Row })
	m.order = append(m.order, added...)
}
