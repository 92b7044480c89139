package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgLike implements Searcher with a plain ILIKE scan over eligible evolutions.
// It is the fallback path and also what the feed itself uses, so search
// results never disagree with the feed about which evolutions exist.
type PgLike struct {
	db *sql.DB
}

// NewPgLike creates the PostgreSQL fallback searcher.
func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgLike) Healthy() bool {
	return true
}

// Search matches the term against title, description, and language of
// complete, non-hidden evolutions.
func (p *PgLike) Search(q Query) ([]Hit, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	where := `is_complete AND NOT is_hidden
		AND (title ILIKE '%' || $1 || '%'
			OR description ILIKE '%' || $1 || '%'
			OR language ILIKE '%' || $1 || '%')`
	args := []any{escapeLike(q.Text)}
	if q.Language != "" {
		where += " AND language = $2"
		args = append(args, q.Language)
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM evolutions WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pglike count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, COALESCE(title, ''), COALESCE(description, ''), COALESCE(language, '')
		FROM evolutions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d`, where, limit)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pglike query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var description string
		if err := rows.Scan(&h.ID, &h.Title, &description, &h.Language); err != nil {
			return nil, 0, fmt.Errorf("pglike scan: %w", err)
		}
		h.Snippet = snippet(description, 30)
		hits = append(hits, h)
	}

	return hits, total, rows.Err()
}

// LoadAllRecords returns every eligible evolution for full reindexing.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(description, ''), COALESCE(language, ''),
			EXTRACT(EPOCH FROM created_at)::bigint
		FROM evolutions
		WHERE is_complete AND NOT is_hidden
	`)
	if err != nil {
		return nil, fmt.Errorf("load evolutions: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Language, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evolution: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evolutions: %w", err)
	}
	return records, nil
}

// escapeLike neutralizes LIKE metacharacters so the term is matched literally.
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

func snippet(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + "…"
}
