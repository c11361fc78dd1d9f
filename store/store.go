// Package store provides a small document store keyed by collection and
// document id, with the update operators and write-atomicity primitives the
// rest of the backend is built on: field set, array-union, array-removal,
// multi-document batches and serializable read-modify-write transactions.
//
// Two implementations exist: a Postgres-backed one (JSONB documents) for
// production and an in-memory one for tests.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: document not found")

	// ErrConflict is returned when a transaction aborts because another
	// writer modified a document it read. Callers retry or surface it as a
	// transient failure.
	ErrConflict = errors.New("store: conflicting write")
)

// Doc is the decoded form of a stored document.
type Doc map[string]any

// OpKind selects the update operator applied to a single field.
type OpKind int

const (
	OpSet OpKind = iota
	OpArrayUnion
	OpArrayRemove
)

// Op is one field-level mutation inside an Update.
type Op struct {
	Field string
	Kind  OpKind
	Value any
}

// SetField sets a field to a value, creating it if absent.
func SetField(field string, value any) Op {
	return Op{Field: field, Kind: OpSet, Value: value}
}

// ArrayUnion appends the given strings to an array field, skipping values
// already present.
func ArrayUnion(field string, values ...string) Op {
	return Op{Field: field, Kind: OpArrayUnion, Value: values}
}

// ArrayRemove removes all occurrences of the given strings from an array
// field. Removing from a missing field is a no-op.
func ArrayRemove(field string, values ...string) Op {
	return Op{Field: field, Kind: OpArrayRemove, Value: values}
}

// Entry is a document together with its id, as returned by List.
type Entry struct {
	ID   string
	Data Doc
}

// BatchOp is one write inside an atomic batch. Exactly one of Doc or Ops is
// used: Doc != nil overwrites the whole document, otherwise Ops are applied
// as an update (which requires the document to exist).
type BatchOp struct {
	Collection string
	ID         string
	Doc        Doc
	Ops        []Op
}

// Tx is the view a transaction callback operates on. Reads observe a
// consistent snapshot plus the transaction's own writes; writes become
// visible only if the transaction commits.
type Tx interface {
	Get(collection, id string) (Doc, error)
	Set(collection, id string, doc Doc) error
	Update(collection, id string, ops ...Op) error
}

// Store is the document store consumed by the services. Implementations
// must make RunTransaction serializable against other writers of the
// documents it touches, and ApplyBatch all-or-nothing.
type Store interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	GetMany(ctx context.Context, collection string, ids []string) (map[string]Doc, error)
	Set(ctx context.Context, collection, id string, doc Doc) error
	Update(ctx context.Context, collection, id string, ops ...Op) error
	List(ctx context.Context, collection string) ([]Entry, error)
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	ApplyBatch(ctx context.Context, ops []BatchOp) error
}

// applyOps mutates doc in place according to ops. Shared by both
// implementations so the operator semantics cannot drift apart.
func applyOps(doc Doc, ops []Op) {
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			doc[op.Field] = op.Value
		case OpArrayUnion:
			existing := toStrings(doc[op.Field])
			seen := make(map[string]bool, len(existing))
			for _, v := range existing {
				seen[v] = true
			}
			for _, v := range op.Value.([]string) {
				if !seen[v] {
					existing = append(existing, v)
					seen[v] = true
				}
			}
			doc[op.Field] = existing
		case OpArrayRemove:
			existing := toStrings(doc[op.Field])
			drop := make(map[string]bool)
			for _, v := range op.Value.([]string) {
				drop[v] = true
			}
			kept := make([]string, 0, len(existing))
			for _, v := range existing {
				if !drop[v] {
					kept = append(kept, v)
				}
			}
			doc[op.Field] = kept
		}
	}
}

// toStrings coerces a stored array value ([]string before a round-trip,
// []any after JSON decoding) into a string slice.
func toStrings(v any) []string {
	switch arr := v.(type) {
	case []string:
		out := make([]string, len(arr))
		copy(out, arr)
		return out
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
