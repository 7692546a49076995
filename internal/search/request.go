package search

import "context"

// Entity types understood by the engine.
const (
	TypeContent      = "content"
	TypeMessage      = "message"
	TypeActivity     = "activity"
	TypeUser         = "user"
	TypeWatch        = "watch"
	TypeUserVariable = "uservariable"
)

// Row is one display row keyed by field name.
type Row = map[string]any

// Request asks for one named result set. Filter may reference bound values as @name
// and earlier result sets as @request.field.
type Request struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Fields []string `json:"fields"`
	Filter string   `json:"query"`
}

// Batch is an ordered set of requests resolved in one round trip.
type Batch struct {
	Requests []Request      `json:"requests"`
	Values   map[string]any `json:"values"`
}

// Result holds rows grouped by request name.
type Result struct {
	Objects map[string][]Row `json:"objects"`
}

// Searcher resolves request batches. A Searcher is short lived and must be closed.
type Searcher interface {
	// SearchUnrestricted ignores read permissions.
	SearchUnrestricted(ctx context.Context, batch Batch) (Result, error)
	// Search only returns rows userID may read. User 0 is anonymous.
	Search(ctx context.Context, batch Batch, userID int64) (Result, error)
	Close() error
}

// Provider hands out Searchers.
type Provider interface {
	Searcher(ctx context.Context) (Searcher, error)
}
