package analysis

import (
	"net/url"
	"strings"
	"sync"

	"github.com/vincentbai/domspy-agent/internal/models"
)

// SchemaExtractor keeps a running per-endpoint aggregate. Entries are
// never evicted; growth is bounded by distinct endpoint count.
type SchemaExtractor struct {
	mu      sync.Mutex
	schemas map[string]*models.Schema
}

func NewSchemaExtractor() *SchemaExtractor {
	return &SchemaExtractor{schemas: make(map[string]*models.Schema)}
}

// Observe folds records into the aggregate. Callers pass each record once.
func (s *SchemaExtractor) Observe(records []models.NetworkRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range records {
		key, query := EndpointKey(n.URL)
		sc, ok := s.schemas[key]
		if !ok {
			sc = &models.Schema{Params: make(map[string]int)}
			s.schemas[key] = sc
		}
		sc.Count++
		for name := range query {
			sc.Params[name]++
		}
		if body, ok := n.Data.(map[string]any); ok {
			for name := range body {
				sc.Params[name]++
			}
		}
	}
}

// Snapshot returns a deep copy of the aggregate.
func (s *SchemaExtractor) Snapshot() map[string]models.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.Schema, len(s.schemas))
	for k, sc := range s.schemas {
		params := make(map[string]int, len(sc.Params))
		for p, c := range sc.Params {
			params[p] = c
		}
		out[k] = models.Schema{Count: sc.Count, Params: params}
	}
	return out
}

// EndpointKey strips the query and fragment from raw and returns the
// parsed query. Unparseable URLs are cut at the first '?' or '#'.
func EndpointKey(raw string) (string, url.Values) {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i], nil
		}
		return raw, nil
	}
	query := u.Query()
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), query
}
