package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Postgres stores every document as a JSONB row in a single table keyed by
// (collection, id). Transactions take row locks with FOR UPDATE so a
// read-modify-write is serializable against other writers of the same
// documents; serialization aborts map to ErrConflict.
type Postgres struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    data       JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (collection, id)
)`

// NewPostgres opens the document table over an existing connection,
// creating it when missing.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Doc, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(raw)
}

func (p *Postgres) GetMany(ctx context.Context, collection string, ids []string) (map[string]Doc, error) {
	if len(ids) == 0 {
		return map[string]Doc{}, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 AND id = ANY($2)`,
		collection, pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Doc, len(ids))
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, rows.Err()
}

func (p *Postgres) Set(ctx context.Context, collection, id string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data,
		              version = documents.version + 1,
		              updated_at = NOW()
	`, collection, id, raw)
	return err
}

func (p *Postgres) Update(ctx context.Context, collection, id string, ops ...Op) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := getForUpdate(tx, collection, id)
		if err != nil {
			return err
		}
		applyOps(doc, ops)
		return writeLocked(tx, collection, id, doc)
	})
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: id, Data: doc})
	}
	return entries, rows.Err()
}

// pgTx implements Tx over a live SQL transaction. Reads lock the rows they
// touch, so writes inside the same callback cannot race other writers.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(collection, id string) (Doc, error) {
	return getForUpdate(t.tx, collection, id)
}

func (t *pgTx) Set(collection, id string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = t.tx.Exec(`
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data,
		              version = documents.version + 1,
		              updated_at = NOW()
	`, collection, id, raw)
	return err
}

func (t *pgTx) Update(collection, id string, ops ...Op) error {
	doc, err := getForUpdate(t.tx, collection, id)
	if err != nil {
		return err
	}
	applyOps(doc, ops)
	return writeLocked(t.tx, collection, id, doc)
}

func (p *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *Postgres) ApplyBatch(ctx context.Context, ops []BatchOp) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		wrapped := &pgTx{tx: tx}
		for _, op := range ops {
			if op.Doc != nil {
				if err := wrapped.Set(op.Collection, op.ID, op.Doc); err != nil {
					return err
				}
				continue
			}
			if err := wrapped.Update(op.Collection, op.ID, op.Ops...); err != nil {
				return err
			}
		}
		return nil
	})
}

// withTx wraps a function in a database transaction.
// - Ensures COMMIT on success, ROLLBACK on errors or panics.
// - Keeps the callers tiny and all state changes atomic.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	defer func() {
		// If the callback panics, make sure to rollback before re-panicking
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return mapConflict(err)
	}
	return nil
}

func getForUpdate(tx *sql.Tx, collection, id string) (Doc, error) {
	var raw []byte
	err := tx.QueryRow(
		`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(raw)
}

func writeLocked(tx *sql.Tx, collection, id string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE documents
		SET data = $3, version = version + 1, updated_at = NOW()
		WHERE collection = $1 AND id = $2
	`, collection, id, raw)
	return err
}

// mapConflict translates Postgres serialization and deadlock aborts into
// the store's ErrConflict so callers can apply retry policy uniformly.
func mapConflict(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return ErrConflict
		}
	}
	return err
}

func decodeDoc(raw []byte) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = Doc{}
	}
	return doc, nil
}
