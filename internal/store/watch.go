package store

import (
	"context"
	"sync"
)

// Change describes how a watched result moved between two commits.
// Deletions index the previous result; Insertions and Updates index the
// new one.
type Change struct {
	Deletions  []int
	Insertions []int
	Updates    []int
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Updates) == 0
}

// IndexPath addresses an item within a section, for table-like consumers.
type IndexPath struct {
	Section int
	Item    int
}

func indexPaths(section int, items []int) []IndexPath {
	out := make([]IndexPath, len(items))
	for i, item := range items {
		out[i] = IndexPath{Section: section, Item: item}
	}
	return out
}

func (c Change) DeletionsInSection(section int) []IndexPath {
	return indexPaths(section, c.Deletions)
}

func (c Change) InsertionsInSection(section int) []IndexPath {
	return indexPaths(section, c.Insertions)
}

func (c Change) UpdatesInSection(section int) []IndexPath {
	return indexPaths(section, c.Updates)
}

// diffResults compares two results by object identity; an object present
// in both whose version moved counts as updated.
func diffResults(before, after []*Object) Change {
	var c Change
	prev := make(map[ObjectID]int64, len(before))
	for _, o := range before {
		prev[o.id] = o.version
	}
	next := make(map[ObjectID]bool, len(after))
	for _, o := range after {
		next[o.id] = true
	}
	for i, o := range before {
		if !next[o.id] {
			c.Deletions = append(c.Deletions, i)
		}
	}
	for i, o := range after {
		version, existed := prev[o.id]
		switch {
		case !existed:
			c.Insertions = append(c.Insertions, i)
		case version != o.version:
			c.Updates = append(c.Updates, i)
		}
	}
	return c
}

// WatchOption configures a watch.
type WatchOption func(*Token)

// WithDispatcher routes change callbacks through dispatch, for example
// onto an execution context. By default callbacks run on the committing
// goroutine after the writer lock is released.
func WithDispatcher(dispatch func(func())) WatchOption {
	return func(t *Token) { t.dispatch = dispatch }
}

// Token is a live query registration. Invalidate it to stop callbacks.
type Token struct {
	store    *Memory
	req      FetchRequest
	block    func([]*Object, Change)
	dispatch func(func())

	mu      sync.Mutex
	objects []*Object
	seq     int64
	invalid bool
}

// Watch runs req now and again after every commit, calling block with the
// new result whenever it changed. The initial result is available from
// the token immediately; block is not called for it.
func (m *Memory) Watch(req FetchRequest, block func([]*Object, Change), opts ...WatchOption) (*Token, error) {
	initial, err := m.Fetch(context.Background(), req)
	if err != nil {
		return nil, err
	}
	t := &Token{
		store:    m,
		req:      req,
		block:    block,
		dispatch: func(f func()) { f() },
		objects:  initial,
		seq:      m.clock.Current(),
	}
	for _, opt := range opts {
		opt(t)
	}
	m.watchMu.Lock()
	m.watchers[t] = struct{}{}
	m.watchMu.Unlock()
	return t, nil
}

// Invalidate stops notifications. Callbacks already dispatched but not
// yet run are dropped.
func (t *Token) Invalidate() {
	t.mu.Lock()
	t.invalid = true
	t.mu.Unlock()

	t.store.watchMu.Lock()
	delete(t.store.watchers, t)
	t.store.watchMu.Unlock()
}

// Count returns the size of the latest result.
func (t *Token) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// All returns the latest result.
func (t *Token) All() []*Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Object, len(t.objects))
	copy(out, t.objects)
	return out
}

// At returns the i-th object of the latest result, or nil when out of
// range.
func (t *Token) At(i int) *Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.objects) {
		return nil
	}
	return t.objects[i]
}

func (t *Token) refresh(seq int64) {
	t.mu.Lock()
	if t.invalid || seq <= t.seq {
		t.mu.Unlock()
		return
	}
	after, err := t.store.Fetch(context.Background(), t.req)
	if err != nil {
		t.mu.Unlock()
		t.store.logger.Warn("watch refresh failed", "error", err)
		return
	}
	change := diffResults(t.objects, after)
	t.objects = after
	t.seq = seq
	t.mu.Unlock()

	if change.Empty() {
		return
	}
	t.dispatch(func() {
		t.mu.Lock()
		invalid := t.invalid
		t.mu.Unlock()
		if !invalid {
			t.block(after, change)
		}
	})
}

func (m *Memory) notify(seq int64) {
	m.watchMu.Lock()
	tokens := make([]*Token, 0, len(m.watchers))
	for t := range m.watchers {
		tokens = append(tokens, t)
	}
	m.watchMu.Unlock()

	for _, t := range tokens {
		t.refresh(seq)
	}
}
