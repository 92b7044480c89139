package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxEvolutions = "codeancestry_evolutions"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the evolutions index.
// The caller should proceed without it when the service stays unreachable;
// the background loop keeps probing and reconfigures on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxEvolutions,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxEvolutions, err)
	}

	index := m.client.Index(idxEvolutions)
	filterable := []interface{}{"language"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "description", "language"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the evolutions index.
func (m *Meili) Search(q Query) ([]Hit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	request := &meili.SearchRequest{
		Limit:            limit,
		AttributesToCrop: []string{"description"},
		CropLength:       30,
	}
	if q.Language != "" {
		request.Filter = fmt.Sprintf("language = %q", q.Language)
	}

	resp, err := m.client.Index(idxEvolutions).Search(q.Text, request)
	if err != nil {
		return nil, 0, fmt.Errorf("meili search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Hits))
	for _, raw := range resp.Hits {
		hit := Hit{
			ID:       decodeString(raw, "id"),
			Title:    decodeString(raw, "title"),
			Language: decodeString(raw, "language"),
			Snippet:  decodeString(raw, "description"),
		}
		if cropped := decodeFormattedString(raw, "description"); cropped != "" {
			hit.Snippet = cropped
		}
		hits = append(hits, hit)
	}
	return hits, int(resp.EstimatedTotalHits), nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

// IndexEvolution upserts one record.
func (m *Meili) IndexEvolution(rec Record) error {
	_, err := m.client.Index(idxEvolutions).AddDocuments([]Record{rec}, nil)
	if err != nil {
		return fmt.Errorf("index evolution %s: %w", rec.ID, err)
	}
	return nil
}

// IndexEvolutions upserts a batch, used for full reindexing.
func (m *Meili) IndexEvolutions(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxEvolutions).AddDocuments(recs, nil)
	if err != nil {
		return fmt.Errorf("index evolutions: %w", err)
	}
	return nil
}

// DeleteEvolution removes a record (hidden or no longer eligible).
func (m *Meili) DeleteEvolution(id string) error {
	_, err := m.client.Index(idxEvolutions).DeleteDocument(id, nil)
	if err != nil {
		return fmt.Errorf("delete evolution %s: %w", id, err)
	}
	return nil
}
