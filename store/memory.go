package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store used by the test suite and by local
// development without a database. Transactions use optimistic concurrency:
// reads record the document version, and commit fails with ErrConflict if
// any read document changed in the meantime. That mirrors the behavior of
// the remote store closely enough to exercise the retry paths.
type Memory struct {
	mu       sync.Mutex
	cols     map[string]map[string]*memDoc
	failures int
}

type memDoc struct {
	data    Doc
	version int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{cols: make(map[string]map[string]*memDoc)}
}

// normalize round-trips a document through JSON so that stored values have
// the same shapes the Postgres implementation produces (float64 numbers,
// []any arrays). It also serves as a deep copy.
func normalize(doc Doc) (Doc, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Doc
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = Doc{}
	}
	return out, nil
}

func (m *Memory) lookup(collection, id string) *memDoc {
	col, ok := m.cols[collection]
	if !ok {
		return nil
	}
	return col[id]
}

func (m *Memory) put(collection, id string, data Doc) {
	col, ok := m.cols[collection]
	if !ok {
		col = make(map[string]*memDoc)
		m.cols[collection] = col
	}
	if existing, ok := col[id]; ok {
		existing.data = data
		existing.version++
		return
	}
	col[id] = &memDoc{data: data, version: 1}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.lookup(collection, id)
	if d == nil {
		return nil, ErrNotFound
	}
	return normalize(d.data)
}

func (m *Memory) GetMany(ctx context.Context, collection string, ids []string) (map[string]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Doc, len(ids))
	for _, id := range ids {
		if d := m.lookup(collection, id); d != nil {
			copied, err := normalize(d.data)
			if err != nil {
				return nil, err
			}
			out[id] = copied
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc Doc) error {
	copied, err := normalize(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, copied)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, ops ...Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.lookup(collection, id)
	if d == nil {
		return ErrNotFound
	}
	updated, err := normalize(d.data)
	if err != nil {
		return err
	}
	applyOps(updated, ops)
	if updated, err = normalize(updated); err != nil {
		return err
	}
	m.put(collection, id, updated)
	return nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.cols[collection]
	entries := make([]Entry, 0, len(col))
	for id, d := range col {
		copied, err := normalize(d.data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: id, Data: copied})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// memTx buffers writes and records the versions of everything it read.
type memTx struct {
	store  *Memory
	reads  map[string]int64 // "collection\x00id" -> version at read time
	writes []BatchOp
}

func txKey(collection, id string) string {
	return collection + "\x00" + id
}

func (t *memTx) current(collection, id string) (Doc, bool, error) {
	// Start from the committed state, then replay buffered writes so the
	// transaction reads its own mutations.
	var base Doc
	exists := false
	if d := t.store.lookup(collection, id); d != nil {
		copied, err := normalize(d.data)
		if err != nil {
			return nil, false, err
		}
		base = copied
		exists = true
	}
	for _, w := range t.writes {
		if w.Collection != collection || w.ID != id {
			continue
		}
		if w.Doc != nil {
			copied, err := normalize(w.Doc)
			if err != nil {
				return nil, false, err
			}
			base = copied
			exists = true
		} else if exists {
			applyOps(base, w.Ops)
		}
	}
	return base, exists, nil
}

func (t *memTx) recordRead(collection, id string) {
	key := txKey(collection, id)
	if _, seen := t.reads[key]; seen {
		return
	}
	var version int64
	if d := t.store.lookup(collection, id); d != nil {
		version = d.version
	}
	t.reads[key] = version
}

func (t *memTx) Get(collection, id string) (Doc, error) {
	t.recordRead(collection, id)
	doc, exists, err := t.current(collection, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (t *memTx) Set(collection, id string, doc Doc) error {
	copied, err := normalize(doc)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, BatchOp{Collection: collection, ID: id, Doc: copied})
	return nil
}

func (t *memTx) Update(collection, id string, ops ...Op) error {
	_, exists, err := t.current(collection, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	t.writes = append(t.writes, BatchOp{Collection: collection, ID: id, Ops: ops})
	return nil
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{store: m, reads: make(map[string]int64)}

	// The callback runs under the store lock, which keeps the in-memory
	// implementation simple; conflicts are simulated by version checks so
	// tests can interleave writes between a read and a commit via hooks.
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	for key, version := range tx.reads {
		collection, id := splitTxKey(key)
		var now int64
		if d := m.lookup(collection, id); d != nil {
			now = d.version
		}
		if now != version {
			return ErrConflict
		}
	}
	return m.applyLocked(tx.writes)
}

func splitTxKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// FailNextCommits makes the next n atomic commits (transactions or
// batches) abort with ErrConflict before applying writes. Tests use it to
// exercise retry behavior without racing goroutines.
func (m *Memory) FailNextCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *Memory) ApplyBatch(ctx context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ops)
}

// applyLocked validates every op against the pre-batch state, then applies
// them all. Nothing is written when validation fails, so a batch is never
// partially visible.
func (m *Memory) applyLocked(ops []BatchOp) error {
	if m.failures > 0 {
		m.failures--
		return ErrConflict
	}
	for i, op := range ops {
		if op.Doc == nil && m.lookup(op.Collection, op.ID) == nil {
			// An earlier op in the same batch may create the doc.
			created := false
			for _, prior := range ops[:i] {
				if prior.Collection == op.Collection && prior.ID == op.ID && prior.Doc != nil {
					created = true
					break
				}
			}
			if !created {
				return ErrNotFound
			}
		}
	}
	for _, op := range ops {
		if op.Doc != nil {
			copied, err := normalize(op.Doc)
			if err != nil {
				return err
			}
			m.put(op.Collection, op.ID, copied)
			continue
		}
		d := m.lookup(op.Collection, op.ID)
		updated, err := normalize(d.data)
		if err != nil {
			return err
		}
		applyOps(updated, op.Ops)
		if updated, err = normalize(updated); err != nil {
			return err
		}
		m.put(op.Collection, op.ID, updated)
	}
	return nil
}
