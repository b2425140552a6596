// Package affinity implements the bounded LRU cache-affinity map from
// (model, prefix hash) to the backend last known to have served that
// prefix, plus the prefix-hash computation itself.
package affinity

import (
	"hash"
	"hash/fnv"
	"sync"

	"github.com/modelbridge/gateway/internal/core"
)

type key struct {
	model  core.ModelId
	prefix core.PrefixHash
}

type entry struct {
	backend  core.BackendId
	lastUsed uint64
	hitCount uint64
}

// Map is a bounded, true-LRU map from (model, prefix hash) to backend.
//
// It is not built on an approximate-eviction cache (otter's W-TinyLFU):
// §4.4 requires evicting the entry with the smallest last_used counter
// deterministically, a guarantee an admission-policy cache cannot make.
// A plain mutex-guarded map with an O(n) scan on overflow is used instead —
// acceptable because max_entries bounds the scan cost, and the reference
// implementation makes the same choice.
type Map struct {
	mu         sync.Mutex
	entries    map[key]entry
	maxEntries int
	counter    uint64
}

// New builds an affinity map bounded to maxEntries.
func New(maxEntries int) *Map {
	return &Map{entries: make(map[key]entry), maxEntries: maxEntries}
}

// Get returns the backend recorded for (model, prefix), bumping its
// last_used counter and hit count, or ok=false on a miss.
func (m *Map) Get(model core.ModelId, prefix core.PrefixHash) (core.BackendId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{model: model, prefix: prefix}
	e, ok := m.entries[k]
	if !ok {
		return "", false
	}
	m.counter++
	e.lastUsed = m.counter
	e.hitCount++
	m.entries[k] = e
	return e.backend, true
}

// Record inserts or refreshes the mapping, evicting the least-recently-used
// entry if this insert would push the map over its bound.
func (m *Map) Record(model core.ModelId, prefix core.PrefixHash, backend core.BackendId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	k := key{model: model, prefix: prefix}
	if e, ok := m.entries[k]; ok {
		e.backend = backend
		e.lastUsed = m.counter
		e.hitCount++
		m.entries[k] = e
	} else {
		m.entries[k] = entry{backend: backend, lastUsed: m.counter, hitCount: 1}
	}

	if len(m.entries) > m.maxEntries {
		m.evictLRU()
	}
}

// EvictBackend removes every entry whose value maps to backend.
func (m *Map) EvictBackend(backend core.BackendId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.backend == backend {
			delete(m.entries, k)
		}
	}
}

// Len reports the current number of tracked entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Map) evictLRU() {
	var oldestKey key
	var oldestVal uint64
	first := true
	for k, e := range m.entries {
		if first || e.lastUsed < oldestVal {
			oldestKey = k
			oldestVal = e.lastUsed
			first = false
		}
	}
	if !first {
		delete(m.entries, oldestKey)
	}
}

// ComputePrefixHash hashes the first prefixDepth system/user messages of a
// conversation. Tool and assistant messages are skipped — they do not form
// a cache prefix. Non-text content parts (e.g. images) are ignored so that
// adding an image to a message never changes the hash.
func ComputePrefixHash(messages []core.Message, prefixDepth int) core.PrefixHash {
	h := fnv.New64a()
	count := 0
	for _, msg := range messages {
		if count >= prefixDepth {
			break
		}
		if msg.Role != core.RoleSystem && msg.Role != core.RoleUser {
			continue
		}
		hashMessageContent(msg.Content, h)
		count++
	}
	return core.PrefixHash(h.Sum64())
}

func hashMessageContent(content core.MessageContent, h hash.Hash64) {
	if !content.IsParts {
		h.Write([]byte(content.Text))
		return
	}
	for _, part := range content.Parts {
		if part.Type == "text" {
			h.Write([]byte(part.Text))
		}
	}
}
