package search

// Record is the data indexed for one eligible evolution.
type Record struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
	CreatedAt   int64  `json:"createdAt"`
}

// Query describes a search request over the public feed.
type Query struct {
	Text     string
	Language string // empty = all languages
	Limit    int
}

// Hit is a single search result.
type Hit struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Language string `json:"language"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Hit  `json:"results"`
	Total   int    `json:"total"`
	Query   string `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Hit, int, error)
	Healthy() bool
}

// Indexer can push evolutions into a search index.
type Indexer interface {
	IndexEvolution(rec Record) error
	DeleteEvolution(id string) error
}
