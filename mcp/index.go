package mcp

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// maxSearchResults caps search() output (spec §4.2: "results beyond a fixed
// cap (e.g., 25) are truncated").
const maxSearchResults = 25

// ToolIndexEntry is a tokenized representation of one namespaced tool
// stored in the index (spec §3 "ToolIndexEntry").
type ToolIndexEntry struct {
	NamespacedName string
	ServerName     string
	ToolName       string
	Description    string
	Parameters     json.RawMessage
	tokens         []string
	termFreq       map[string]int
}

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// tokenize splits a tool's name, description, and parameter names into
// lowercase terms, splitting snake_case/camelCase/namespaced identifiers on
// non-alphanumeric boundaries and case transitions. No pack library
// provides lexical full-text search (SPEC_FULL.md Domain Stack), so the
// index is hand-rolled.
func tokenize(s string) []string {
	var out []string
	for _, word := range tokenPattern.FindAllString(s, -1) {
		out = append(out, splitCamelCase(word)...)
	}
	return out
}

func splitCamelCase(s string) []string {
	var parts []string
	var cur strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' && runes[i-1] >= 'a' && runes[i-1] <= 'z' {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		parts = append(parts, strings.ToLower(cur.String()))
	}
	for i := range parts {
		parts[i] = strings.ToLower(parts[i])
	}
	if len(parts) == 0 {
		return []string{strings.ToLower(s)}
	}
	return parts
}

func schemaParamNames(schema json.RawMessage) []string {
	var decoded struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return nil
	}
	names := make([]string, 0, len(decoded.Properties))
	for name := range decoded.Properties {
		names = append(names, name)
	}
	return names
}

func newIndexEntry(namespacedName, serverName, toolName, description string, parameters json.RawMessage) *ToolIndexEntry {
	fields := append([]string{namespacedName, description}, schemaParamNames(parameters)...)
	tokens := tokenize(strings.Join(fields, " "))
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	return &ToolIndexEntry{
		NamespacedName: namespacedName,
		ServerName:     serverName,
		ToolName:       toolName,
		Description:    description,
		Parameters:     parameters,
		tokens:         tokens,
		termFreq:       tf,
	}
}

// Index is a lexical inverted index over tokenized tool identity +
// description + parameter names, supporting a multi-keyword AND-over-OR
// fuzzy query scored BM25-like (spec §4.2, §9 "Search index").
type Index struct {
	mu       sync.RWMutex
	entries  map[string]*ToolIndexEntry   // namespaced name -> entry
	postings map[string]map[string]int    // term -> namespaced name -> term freq
	avgLen   float64
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries:  make(map[string]*ToolIndexEntry),
		postings: make(map[string]map[string]int),
	}
}

// Put inserts or replaces one tool's entry.
func (idx *Index) Put(namespacedName, serverName, toolName, description string, parameters json.RawMessage) {
	entry := newIndexEntry(namespacedName, serverName, toolName, description, parameters)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(namespacedName)
	idx.entries[namespacedName] = entry
	for term := range entry.termFreq {
		bucket, ok := idx.postings[term]
		if !ok {
			bucket = make(map[string]int)
			idx.postings[term] = bucket
		}
		bucket[namespacedName] = entry.termFreq[term]
	}
	idx.recomputeAvgLenLocked()
}

// RemoveServer drops every entry belonging to a server (used when a downstream
// server disconnects or its catalog is refreshed).
func (idx *Index) RemoveServer(serverName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for name, entry := range idx.entries {
		if entry.ServerName == serverName {
			idx.removeLocked(name)
		}
	}
	idx.recomputeAvgLenLocked()
}

func (idx *Index) removeLocked(namespacedName string) {
	entry, ok := idx.entries[namespacedName]
	if !ok {
		return
	}
	for term := range entry.termFreq {
		delete(idx.postings[term], namespacedName)
		if len(idx.postings[term]) == 0 {
			delete(idx.postings, term)
		}
	}
	delete(idx.entries, namespacedName)
}

func (idx *Index) recomputeAvgLenLocked() {
	if len(idx.entries) == 0 {
		idx.avgLen = 0
		return
	}
	total := 0
	for _, e := range idx.entries {
		total += len(e.tokens)
	}
	idx.avgLen = float64(total) / float64(len(idx.entries))
}

// Get returns one entry by its namespaced name.
func (idx *Index) Get(namespacedName string) (*ToolIndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[namespacedName]
	return e, ok
}

// BM25-like scoring constants (standard defaults; no relevance-tuning
// corpus exists to justify deviating from them).
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Search runs the multi-keyword AND-over-OR fuzzy query: a document must
// match at least one term per keyword (AND across keywords, OR across a
// keyword's own fuzzy term expansions), edit-distance <= 1 per term,
// scored BM25-like and capped at maxSearchResults. allowed, when non-nil,
// filters out entries the caller's ACL denies before the cap is applied so
// a denied tool never displaces a visible one (spec §7 "ACL-denied tool is
// not included in results, regardless of rank").
func (idx *Index) Search(keywords []string, allowed func(namespacedName string) bool) []*ToolIndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(keywords) == 0 || len(idx.entries) == 0 {
		return nil
	}

	docCount := float64(len(idx.entries))
	var perKeywordHits []map[string]float64

	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		matchedTerms := idx.fuzzyTerms(kw)
		if len(matchedTerms) == 0 {
			return nil // AND semantics: any keyword with zero matches empties the result
		}

		keywordHits := make(map[string]float64)
		for _, term := range matchedTerms {
			postings := idx.postings[term]
			df := float64(len(postings))
			if df == 0 {
				continue
			}
			idf := math.Log(1 + (docCount-df+0.5)/(df+0.5))
			for name, tf := range postings {
				entry := idx.entries[name]
				norm := float64(tf) * (bm25K1 + 1) /
					(float64(tf) + bm25K1*(1-bm25B+bm25B*float64(len(entry.tokens))/maxFloat(idx.avgLen, 1)))
				if norm*idf > keywordHits[name] {
					keywordHits[name] = norm * idf
				}
			}
		}
		if len(keywordHits) == 0 {
			return nil
		}
		perKeywordHits = append(perKeywordHits, keywordHits)
	}
	if len(perKeywordHits) == 0 {
		return nil
	}

	// AND across keywords: a document's score only counts if every keyword
	// hit it at least once; start from the first keyword's hit set and intersect.
	scores := make(map[string]float64, len(perKeywordHits[0]))
	for name := range perKeywordHits[0] {
		scores[name] = 0
	}
	for _, hits := range perKeywordHits {
		for name := range scores {
			s, ok := hits[name]
			if !ok {
				delete(scores, name)
				continue
			}
			scores[name] += s
		}
	}

	type scored struct {
		entry *ToolIndexEntry
		score float64
	}
	results := make([]scored, 0, len(scores))
	for name, s := range scores {
		if allowed != nil && !allowed(name) {
			continue
		}
		results = append(results, scored{entry: idx.entries[name], score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].entry.NamespacedName < results[j].entry.NamespacedName
	})
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}

	out := make([]*ToolIndexEntry, len(results))
	for i, r := range results {
		out[i] = r.entry
	}
	return out
}

// fuzzyTerms returns every indexed term within edit-distance <= 1 of kw,
// including kw itself when indexed.
func (idx *Index) fuzzyTerms(kw string) []string {
	var matches []string
	for term := range idx.postings {
		if term == kw || levenshteinAtMost1(term, kw) {
			matches = append(matches, term)
		}
	}
	return matches
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// levenshteinAtMost1 reports whether a and b are within edit distance 1,
// short-circuiting on length without allocating a DP table.
func levenshteinAtMost1(a, b string) bool {
	la, lb := len(a), len(b)
	if la == lb {
		diffs := 0
		for i := 0; i < la; i++ {
			if a[i] != b[i] {
				diffs++
				if diffs > 1 {
					return false
				}
			}
		}
		return true
	}
	if la-lb > 1 || lb-la > 1 {
		return false
	}
	// one insertion/deletion apart: walk both, allow exactly one skip
	if la < lb {
		a, b = b, a
		la, lb = lb, la
	}
	i, j, skipped := 0, 0, false
	for i < la && j < lb {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		if skipped {
			return false
		}
		skipped = true
		i++
	}
	return true
}
