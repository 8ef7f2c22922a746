package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/domspy-agent/internal/models"
)

func TestSchemaExtractorObserve(t *testing.T) {
	s := NewSchemaExtractor()
	s.Observe([]models.NetworkRecord{
		{URL: "https://api.example/items?page=1&sort=asc"},
		{URL: "https://api.example/items?page=2#top"},
		{URL: "https://api.example/cart", Data: map[string]any{"sku": "a1", "qty": 2}},
		{URL: "wss://chat.example/socket", Data: "plain"},
	})

	schemas := s.Snapshot()
	require.Len(t, schemas, 3)

	items := schemas["https://api.example/items"]
	assert.Equal(t, 2, items.Count)
	assert.Equal(t, map[string]int{"page": 2, "sort": 1}, items.Params)

	cart := schemas["https://api.example/cart"]
	assert.Equal(t, 1, cart.Count)
	assert.Equal(t, map[string]int{"sku": 1, "qty": 1}, cart.Params)

	assert.Equal(t, 1, schemas["wss://chat.example/socket"].Count)
	assert.Empty(t, schemas["wss://chat.example/socket"].Params)
}

func TestSchemaSnapshotIsDeepCopy(t *testing.T) {
	s := NewSchemaExtractor()
	s.Observe([]models.NetworkRecord{{URL: "/a?x=1"}})

	snap := s.Snapshot()
	snap["/a"].Params["x"] = 99

	assert.Equal(t, 1, s.Snapshot()["/a"].Params["x"])
}

func TestEndpointKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/button/submit", "/button/submit"},
		{"/search?q=go", "/search"},
		{"https://h.example/p?#frag", "https://h.example/p"},
		{"%zz?bad=1", "%zz"},
	}
	for _, tt := range tests {
		got, _ := EndpointKey(tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
