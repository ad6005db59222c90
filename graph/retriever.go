package graph

import (
	"math"
	"sort"
)

const (
	defaultHops       = 2
	defaultNodeBudget = 200
	defaultDecay      = 0.5
)

// SearchOptions tunes a graph retrieval pass.
type SearchOptions struct {
	TopK       int
	Hops       int
	NodeBudget int
	DocTypes   []string
}

// ChunkHit is one retrieved chunk with its normalised graph score and
// the seed entities that led to it.
type ChunkHit struct {
	ChunkID string   `json:"chunk_id"`
	Score   float64  `json:"score"`
	Seeds   []string `json:"seeds,omitempty"`
}

// Search walks the graph outward from query-matched entity nodes and
// scores the chunks it reaches. A chunk found at depth d over edges
// with weights w1..wd contributes seedScore * 0.5^d * w1*...*wd, summed
// over all seeds and paths kept by the traversal. Scores are normalised
// to the best hit.
func (s *Store) Search(query string, opts SearchOptions) []ChunkHit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hops := opts.Hops
	if hops <= 0 {
		hops = defaultHops
	}
	if hops > 4 {
		hops = 4
	}
	budget := opts.NodeBudget
	if budget <= 0 {
		budget = defaultNodeBudget
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 8
	}

	seeds := s.findNodesLocked(query)
	if len(seeds) == 0 {
		return nil
	}

	var allowTypes map[string]bool
	if len(opts.DocTypes) > 0 {
		allowTypes = make(map[string]bool, len(opts.DocTypes))
		for _, dt := range opts.DocTypes {
			allowTypes[dt] = true
		}
	}

	scores := make(map[int32]float64)
	seedsByChunk := make(map[int32][]string)
	expanded := 0
	for _, seed := range seeds {
		if expanded >= budget {
			break
		}
		s.expandSeed(s.byID[seed.ID], seed.Score, seed.Name, hops, &expanded, budget, allowTypes, scores, seedsByChunk)
	}
	if len(scores) == 0 {
		return nil
	}

	maxScore := 0.0
	for _, v := range scores {
		if v > maxScore {
			maxScore = v
		}
	}
	hits := make([]ChunkHit, 0, len(scores))
	for h, v := range scores {
		n := &s.nodes[h]
		hits = append(hits, ChunkHit{
			ChunkID: n.attrs["chunk_id"],
			Score:   v / maxScore,
			Seeds:   seedsByChunk[h],
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

type pathState struct {
	h       int32
	product float64
}

// expandSeed walks outward level by level, carrying the product of edge
// weights along the best-known path. A node is revisited only when
// reached strictly shallower; the shared budget gates expansion, not
// scoring, so nodes already queued still count.
func (s *Store) expandSeed(seed int32, seedScore float64, seedName string, hops int, expanded *int, budget int, allowTypes map[string]bool, scores map[int32]float64, seedsByChunk map[int32][]string) {
	bestDepth := map[int32]int{seed: 0}
	frontier := []pathState{{seed, 1.0}}

	for depth := 1; depth <= hops+1 && len(frontier) > 0; depth++ {
		var next []pathState
		for _, cur := range frontier {
			n := &s.nodes[cur.h]
			if n.typ == TypeChunk && (allowTypes == nil || allowTypes[n.attrs["doc_type"]]) && bestDepth[cur.h] > 0 {
				d := bestDepth[cur.h]
				scores[cur.h] += seedScore * math.Pow(defaultDecay, float64(d)) * cur.product
				seedsByChunk[cur.h] = appendUnique(seedsByChunk[cur.h], seedName)
			}
			if bestDepth[cur.h] >= hops || *expanded >= budget {
				continue
			}
			*expanded++
			nbrs := append([]halfEdge(nil), n.out...)
			sort.SliceStable(nbrs, func(i, j int) bool { return nbrs[i].weight > nbrs[j].weight })
			for _, e := range nbrs {
				nd := bestDepth[cur.h] + 1
				if prev, ok := bestDepth[e.to]; ok && prev <= nd {
					continue
				}
				bestDepth[e.to] = nd
				next = append(next, pathState{e.to, cur.product * e.weight})
			}
		}
		frontier = next
	}
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
