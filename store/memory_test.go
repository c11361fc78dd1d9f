package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Set(ctx, "users", "u1", Doc{
		"name":      "Alice",
		"age":       24,
		"lat":       30.2672,
		"matches":   []string{"u2"},
		"createdAt": FormatTime(now),
	}))

	doc, err := m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", doc.String("name"))
	assert.Equal(t, 24, doc.Int("age", 0))
	assert.InDelta(t, 30.2672, doc.Float64("lat", 0), 1e-9)
	assert.Equal(t, []string{"u2"}, doc.Strings("matches"))
	assert.True(t, doc.Time("createdAt").Equal(now))
	assert.True(t, doc.Has("age"))
	assert.False(t, doc.Has("bio"))
}

func TestDocDefaults(t *testing.T) {
	doc := Doc{}
	assert.Equal(t, "", doc.String("name"))
	assert.Equal(t, 100, doc.Int("searchRadius", 100))
	assert.Equal(t, 1.5, doc.Float64("lat", 1.5))
	assert.Empty(t, doc.Strings("matches"))
	assert.True(t, doc.Time("createdAt").IsZero())
	assert.Empty(t, doc.StringMap("responses"))
}

func TestArrayUnionAndRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "users", "u1", Doc{"matches": []string{"a"}}))

	// Union skips duplicates.
	require.NoError(t, m.Update(ctx, "users", "u1", ArrayUnion("matches", "b", "a", "b")))
	doc, err := m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, doc.Strings("matches"))

	// Union onto a missing field creates it.
	require.NoError(t, m.Update(ctx, "users", "u1", ArrayUnion("chatsWith", "x")))
	doc, err = m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, doc.Strings("chatsWith"))

	require.NoError(t, m.Update(ctx, "users", "u1", ArrayRemove("matches", "a", "missing")))
	doc, err = m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, doc.Strings("matches"))

	// Removing from a field that was never set is a no-op, not an error.
	require.NoError(t, m.Update(ctx, "users", "u1", ArrayRemove("blocked", "a")))
}

func TestUpdateMissingDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Update(ctx, "users", "ghost", SetField("name", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderedAndStable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "users", "b", Doc{"name": "B"}))
	require.NoError(t, m.Set(ctx, "users", "a", Doc{"name": "A"}))
	require.NoError(t, m.Set(ctx, "users", "c", Doc{"name": "C"}))

	entries, err := m.List(ctx, "users")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, "c", entries[2].ID)

	// Other collections are invisible.
	entries, err = m.List(ctx, "polls")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "polls", "p", Doc{"question": "?"}))

	err := m.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Update("polls", "p", SetField("question", "updated")); err != nil {
			return err
		}
		doc, err := tx.Get("polls", "p")
		if err != nil {
			return err
		}
		assert.Equal(t, "updated", doc.String("question"))
		return nil
	})
	require.NoError(t, err)

	doc, err := m.Get(ctx, "polls", "p")
	require.NoError(t, err)
	assert.Equal(t, "updated", doc.String("question"))
}

func TestTransactionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "polls", "p", Doc{"n": 1}))

	m.FailNextCommits(1)
	err := m.RunTransaction(ctx, func(tx Tx) error {
		_, err := tx.Get("polls", "p")
		if err != nil {
			return err
		}
		return tx.Update("polls", "p", SetField("n", 2))
	})
	assert.ErrorIs(t, err, ErrConflict)

	// The aborted transaction left nothing behind.
	doc, err := m.Get(ctx, "polls", "p")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Int("n", 0))
}

func TestTransactionErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "users", "u1", Doc{"name": "A"}))

	sentinel := assert.AnError
	err := m.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Set("users", "u1", Doc{"name": "Z"}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	doc, err := m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "A", doc.String("name"))
}

func TestApplyBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "users", "u1", Doc{"chatsWith": []string{}}))

	// Batch touching a missing document fails without applying anything.
	err := m.ApplyBatch(ctx, []BatchOp{
		{Collection: "users", ID: "u1", Ops: []Op{ArrayUnion("chatsWith", "u2")}},
		{Collection: "users", ID: "ghost", Ops: []Op{ArrayUnion("chatsWith", "u1")}},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	doc, err := m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Empty(t, doc.Strings("chatsWith"))

	// A batch may create a document and update it in the same commit.
	err = m.ApplyBatch(ctx, []BatchOp{
		{Collection: "chats", ID: "c1", Doc: Doc{"users": []string{"u1", "u2"}}},
		{Collection: "users", ID: "u1", Ops: []Op{ArrayUnion("chatsWith", "u2")}},
	})
	require.NoError(t, err)

	doc, err = m.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, doc.Strings("chatsWith"))
}

func TestGetMany(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "users", "u1", Doc{"name": "A"}))
	require.NoError(t, m.Set(ctx, "users", "u2", Doc{"name": "B"}))

	docs, err := m.GetMany(ctx, "users", []string{"u1", "missing", "u2"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "A", docs["u1"].String("name"))
	assert.Equal(t, "B", docs["u2"].String("name"))
	_, ok := docs["missing"]
	assert.False(t, ok)
}
