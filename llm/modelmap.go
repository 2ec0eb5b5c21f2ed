package llm

import "sync/atomic"

// ModelEntry is one resolvable model's routing target.
type ModelEntry struct {
	Provider   string
	UpstreamID string
}

// ModelMap is an immutable snapshot of every resolvable model name at the
// moment it was published: bare id -> entry for discovered models, and
// "provider/model" -> entry for every explicit and discovered model alike.
// Once constructed a ModelMap is never mutated — readers hold a reference
// for the lifetime of one request, so a single request never straddles two
// snapshots (spec §3 invariant: "no read-tearing").
type ModelMap struct {
	bare      map[string]ModelEntry
	qualified map[string]ModelEntry
}

func newModelMap() *ModelMap {
	return &ModelMap{bare: map[string]ModelEntry{}, qualified: map[string]ModelEntry{}}
}

// Bare resolves a bare model name (no provider prefix).
func (m *ModelMap) Bare(name string) (ModelEntry, bool) {
	e, ok := m.bare[name]
	return e, ok
}

// Qualified resolves a "provider/model" name.
func (m *ModelMap) Qualified(provider, model string) (ModelEntry, bool) {
	e, ok := m.qualified[provider+"/"+model]
	return e, ok
}

// Len reports the number of bare-resolvable entries, used for the
// model_map_size gauge.
func (m *ModelMap) Len() int { return len(m.bare) }

// Models returns every qualified model id in the snapshot, for GET
// /llm/openai/v1/models.
func (m *ModelMap) Models() []Model {
	out := make([]Model, 0, len(m.qualified))
	for id, e := range m.qualified {
		out = append(out, Model{ID: id, Provider: e.Provider, UpstreamID: e.UpstreamID})
	}
	return out
}

// modelMapBuilder accumulates entries before a single atomic publish, so
// bare-name dedup ("first-configured provider wins") happens before any
// reader can observe a partial map.
type modelMapBuilder struct {
	order []string // provider keys in configuration order, first wins on bare-name collision
	m     *ModelMap
	seen  map[string]string // bare name -> provider that already claimed it
}

func newModelMapBuilder() *modelMapBuilder {
	return &modelMapBuilder{m: newModelMap(), seen: map[string]string{}}
}

// AddQualified registers an explicit or discovered model under its
// "provider/model" key unconditionally (qualified names cannot collide
// across providers).
func (b *modelMapBuilder) AddQualified(provider, model, upstreamID string) {
	b.m.qualified[provider+"/"+model] = ModelEntry{Provider: provider, UpstreamID: upstreamID}
}

// AddBare registers a bare-name route for a discovered model. Returns false
// (and registers nothing) if another provider already claimed this bare
// name — the caller should log a skip-duplicate warning.
func (b *modelMapBuilder) AddBare(provider, model, upstreamID string) bool {
	if owner, ok := b.seen[model]; ok && owner != provider {
		return false
	}
	b.seen[model] = provider
	b.m.bare[model] = ModelEntry{Provider: provider, UpstreamID: upstreamID}
	return true
}

func (b *modelMapBuilder) Build() *ModelMap { return b.m }

// ModelMapWatch is a single-producer/many-consumer copy-on-publish holder:
// Publish stores a new snapshot; Current always returns the latest
// published snapshot without blocking. Grounded on the teacher's
// copy-on-publish usage pattern in agent/discovery and generalized here
// with atomic.Pointer so reads never take a lock.
type ModelMapWatch struct {
	current atomic.Pointer[ModelMap]
}

// NewModelMapWatch creates a watch seeded with an empty snapshot so readers
// never observe a nil map before the first discovery pass completes.
func NewModelMapWatch() *ModelMapWatch {
	w := &ModelMapWatch{}
	w.current.Store(newModelMap())
	return w
}

// Publish atomically replaces the current snapshot. Safe for exactly one
// producer (the model-discovery task); concurrent Publish calls would race
// on which snapshot "wins" but each individual publish is atomic.
func (w *ModelMapWatch) Publish(m *ModelMap) {
	w.current.Store(m)
}

// Current returns the latest published snapshot. Never nil after
// NewModelMapWatch.
func (w *ModelMapWatch) Current() *ModelMap {
	return w.current.Load()
}
