package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/lazypower/memgraph/internal/store"
)

// searchIndex is an inverted index from terms to node ids. It is rebuilt
// from the store on Initialize and kept current as nodes are ingested or
// pruned.
type searchIndex struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{}
	docs     map[string][]string

	// changed records ids added (true) or removed (false) while a
	// rebuild is in flight; nil otherwise.
	changed map[string]bool
}

func newSearchIndex() *searchIndex {
	return &searchIndex{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string][]string),
	}
}

// nodeTerms are the content keywords plus the lowercased tags of n.
func nodeTerms(n *store.Node) []string {
	terms := keywords(n.Content)
	seen := newTermSet(terms)
	for _, tag := range n.Tags {
		tag = strings.ToLower(tag)
		if _, ok := seen[tag]; ok || tag == "" {
			continue
		}
		seen[tag] = struct{}{}
		terms = append(terms, tag)
	}
	return terms
}

func (ix *searchIndex) add(n *store.Node) {
	terms := nodeTerms(n)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.putLocked(n.ID, terms)
	if ix.changed != nil {
		ix.changed[n.ID] = true
	}
}

func (ix *searchIndex) putLocked(id string, terms []string) {
	ix.removeLocked(id)
	ix.docs[id] = terms
	for _, t := range terms {
		ids, ok := ix.postings[t]
		if !ok {
			ids = make(map[string]struct{})
			ix.postings[t] = ids
		}
		ids[id] = struct{}{}
	}
}

func (ix *searchIndex) remove(ids ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		ix.removeLocked(id)
		if ix.changed != nil {
			ix.changed[id] = false
		}
	}
}

func (ix *searchIndex) removeLocked(id string) {
	for _, t := range ix.docs[id] {
		if ids, ok := ix.postings[t]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(ix.postings, t)
			}
		}
	}
	delete(ix.docs, id)
}

// beginRebuild starts recording changes so a replacement built from the
// store can be brought up to date by swap.
func (ix *searchIndex) beginRebuild() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.changed = make(map[string]bool)
}

// swap replaces the contents of ix with fresh, replaying the adds and
// removes made since beginRebuild. fresh must not be used afterwards.
func (ix *searchIndex) swap(fresh *searchIndex) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, added := range ix.changed {
		if added {
			fresh.putLocked(id, ix.docs[id])
		} else {
			fresh.removeLocked(id)
		}
	}
	ix.postings, ix.docs, ix.changed = fresh.postings, fresh.docs, nil
}

// abortRebuild stops recording changes and keeps the current contents.
func (ix *searchIndex) abortRebuild() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.changed = nil
}

func (ix *searchIndex) size() (docs, terms int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs), len(ix.postings)
}

func (ix *searchIndex) hasTerm(term string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.postings[term]
	return ok
}

// candidates returns up to limit indexed node ids sharing at least one term
// with terms, by descending overlap. exclude is never returned.
func (ix *searchIndex) candidates(terms []string, exclude string, limit int) []string {
	ix.mu.RLock()
	overlap := make(map[string]int)
	for _, t := range terms {
		for id := range ix.postings[t] {
			if id != exclude {
				overlap[id]++
			}
		}
	}
	ix.mu.RUnlock()

	ids := make([]string, 0, len(overlap))
	for id := range overlap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if overlap[ids[i]] != overlap[ids[j]] {
			return overlap[ids[i]] > overlap[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// fuzzyTerms returns indexed terms whose edit-distance ratio to term is at
// least threshold, best first. The exact term is not included.
func (ix *searchIndex) fuzzyTerms(term string, threshold float64, limit int) []string {
	type scored struct {
		term  string
		ratio float64
	}
	var hits []scored
	ix.mu.RLock()
	for t := range ix.postings {
		if t == term {
			continue
		}
		// Cheap length filter before the quadratic distance.
		if d := len(t) - len(term); float64(abs(d)) > (1-threshold)*float64(max(len(t), len(term))) {
			continue
		}
		if r := fuzzyRatio(term, t); r >= threshold {
			hits = append(hits, scored{t, r})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].ratio != hits[j].ratio {
			return hits[i].ratio > hits[j].ratio
		}
		return hits[i].term < hits[j].term
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.term
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
