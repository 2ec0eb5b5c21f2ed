package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paramsSchema(names ...string) json.RawMessage {
	props := map[string]any{}
	for _, n := range names {
		props[n] = map[string]string{"type": "string"}
	}
	schema, err := json.Marshal(map[string]any{"type": "object", "properties": props})
	if err != nil {
		panic(err)
	}
	return schema
}

func TestIndex_SearchFindsNamespacedTool(t *testing.T) {
	idx := NewIndex()
	idx.Put("fs__read_file", "fs", "read_file", "Read the contents of a file from disk", paramsSchema("path"))
	idx.Put("fs__write_file", "fs", "write_file", "Write data to a file on disk", paramsSchema("path", "content"))

	results := idx.Search([]string{"read", "file"}, nil)
	require.Len(t, results, 1)
	assert.Equal(t, "fs__read_file", results[0].NamespacedName)
}

func TestIndex_FuzzyMatchWithinEditDistance1(t *testing.T) {
	idx := NewIndex()
	idx.Put("fs__read_file", "fs", "read_file", "Read the contents of a file from disk", paramsSchema("path"))

	// "reod" is a single substitution away from "read" (edit distance 1).
	results := idx.Search([]string{"reod"}, nil)
	assert.NotEmpty(t, results, "a one-character-off keyword should still fuzzy-match")
}

func TestIndex_MultiKeywordIsANDAcrossKeywords(t *testing.T) {
	idx := NewIndex()
	idx.Put("fs__read_file", "fs", "read_file", "Read the contents of a file from disk", paramsSchema("path"))
	idx.Put("net__fetch_url", "net", "fetch_url", "Fetch a remote URL over HTTP", paramsSchema("url"))

	results := idx.Search([]string{"read", "url"}, nil)
	assert.Empty(t, results, "no single tool matches both 'read' and 'url'")
}

func TestIndex_ACLFilterAppliesBeforeCap(t *testing.T) {
	idx := NewIndex()
	idx.Put("fs__read_file", "fs", "read_file", "Read a file from disk", paramsSchema("path"))
	idx.Put("premium__read_secret", "premium", "read_secret", "Read a secret value", paramsSchema("key"))

	denyPremium := func(name string) bool { return name != "premium__read_secret" }
	results := idx.Search([]string{"read"}, denyPremium)
	require.Len(t, results, 1)
	assert.Equal(t, "fs__read_file", results[0].NamespacedName)
}

func TestIndex_CapsAtMaxResults(t *testing.T) {
	idx := NewIndex()
	for i := 0; i < maxSearchResults+10; i++ {
		name := "srv__tool" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		idx.Put(name, "srv", name, "does something useful", paramsSchema())
	}
	results := idx.Search([]string{"something"}, nil)
	assert.Len(t, results, maxSearchResults)
}

func TestIndex_RemoveServerDropsAllItsEntries(t *testing.T) {
	idx := NewIndex()
	idx.Put("fs__read_file", "fs", "read_file", "Read a file", paramsSchema("path"))
	idx.Put("net__fetch_url", "net", "fetch_url", "Fetch a URL", paramsSchema("url"))

	idx.RemoveServer("fs")
	_, ok := idx.Get("fs__read_file")
	assert.False(t, ok)
	_, ok = idx.Get("net__fetch_url")
	assert.True(t, ok)
}
