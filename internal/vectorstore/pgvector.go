package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// pgStore keeps chunks in the rag_chunks table. Similarity is cosine, using
// the pgvector <=> distance operator.
type pgStore struct {
	db *sql.DB
}

func init() {
	Register("pgvector", func(deps Deps) (Store, error) {
		if deps.DB == nil {
			return nil, fmt.Errorf("pgvector store requires a database")
		}
		return NewPG(deps.DB), nil
	})
}

func NewPG(db *sql.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) HasNamespace(ctx context.Context, namespace string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM rag_chunks WHERE namespace = $1)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, namespace).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *pgStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rag_chunks WHERE namespace = $1`, namespace)
	return err
}

func (s *pgStore) Upsert(ctx context.Context, namespace string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const query = `
		INSERT INTO rag_chunks (namespace, id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding
	`
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, namespace, e.ID, e.Text, meta, pgvector.NewVector(e.Vector)); err != nil {
			return fmt.Errorf("upsert %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *pgStore) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	const query = `
		SELECT id, content, metadata, 1 - (embedding <=> $2) AS score
		FROM rag_chunks
		WHERE namespace = $1
		ORDER BY embedding <=> $2, id
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, namespace, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		var m Match
		var meta []byte
		if err := rows.Scan(&m.ID, &m.Text, &meta, &m.Score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
