package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres ILIKE scan.
type Service struct {
	meili  *Meili
	pglike *PgLike
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pglike *PgLike) *Service {
	return &Service{meili: meili, pglike: pglike}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		hits, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(hits), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	hits, total, err := s.pglike.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Hit{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(hits), Total: total, Query: q.Text}
}

// IndexEvolution indexes an eligible evolution (fire-and-forget).
func (s *Service) IndexEvolution(rec Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexEvolution(rec); err != nil {
			log.Printf("search: index evolution %s: %v", rec.ID, err)
		}
	}()
}

// DeleteEvolution removes an evolution from the index (fire-and-forget).
// Used when a record becomes hidden and thus leaves the public feed.
func (s *Service) DeleteEvolution(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteEvolution(id); err != nil {
			log.Printf("search: delete evolution %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes every eligible evolution from PostgreSQL into
// Meilisearch. Called during Bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pglike == nil {
		return
	}
	records, err := s.pglike.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexEvolutions(records); err != nil {
		log.Printf("search: reindex evolutions: %v", err)
	}
}

func nonNil(hits []Hit) []Hit {
	if hits == nil {
		return []Hit{}
	}
	return hits
}
