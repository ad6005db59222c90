// Package graph maintains a typed property graph over audit documents.
// Regulations, report sections and rectification ledger rows become
// nodes linked by extraction relations, and retrieval walks those links
// to surface chunks that vector similarity alone would miss.
package graph

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// maxEdgeWeight caps accumulated edge weight when the same relation is
// observed repeatedly.
const maxEdgeWeight = 2.0

// maxSeedNodes bounds how many query-matched nodes seed a traversal.
const maxSeedNodes = 24

// Evidence records where a node or edge was extracted from.
type Evidence struct {
	DocID      string  `json:"doc_id"`
	ChunkID    string  `json:"chunk_id"`
	Extractor  string  `json:"extractor"`
	Confidence float64 `json:"confidence"`
}

// Node is the public view of a graph node.
type Node struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Evidence []Evidence        `json:"evidence,omitempty"`
}

// Edge is the public view of a directed edge. List endpoints carry the
// evidence count only; full tuples stay in the store.
type Edge struct {
	Source        string  `json:"source"`
	Target        string  `json:"target"`
	Relation      string  `json:"relation"`
	Weight        float64 `json:"weight"`
	EvidenceCount int     `json:"evidence_count"`
}

// node is the in-memory representation. Nodes are addressed by dense
// integer handles so edges are cheap to follow and to drop; byID maps
// the stable string ids to handles. A freed slot has an empty id.
type node struct {
	id       string
	typ      string
	name     string
	attrs    map[string]string
	evidence []Evidence
	out      []halfEdge
}

// halfEdge is one direction of an edge, stored on its source node.
type halfEdge struct {
	to       int32
	relation string
	weight   float64
	evidence []Evidence
}

// Store is an in-memory property graph persisted to a single gob file.
// Mutations are in-memory only until Save is called.
type Store struct {
	mu        sync.RWMutex
	path      string
	nodes     []node
	byID      map[string]int32
	free      []int32
	edgeCount int
}

// Open loads the graph at path, or starts empty when the file does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byID: make(map[string]int32)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// EntityNodeID derives the stable node id for an entity: the type plus
// a short hash of the canonical name, so the same entity extracted from
// different chunks lands on one node.
func EntityNodeID(entityType, name string) string {
	sum := md5.Sum([]byte(entityType + ":" + name))
	return entityType + ":" + hex.EncodeToString(sum[:])[:16]
}

// DocNodeID addresses a document node by its registry id.
func DocNodeID(docID string) string { return TypeDocument + ":" + docID }

// ChunkNodeID addresses a chunk node by its chunk id.
func ChunkNodeID(chunkID string) string { return TypeChunk + ":" + chunkID }

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// AddNode inserts or updates a node. Attrs are merged over existing
// ones and evidence is unioned on (doc, chunk, extractor).
func (s *Store) AddNode(id, nodeType, name string, attrs map[string]string, ev ...Evidence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.byID[id]
	if !ok {
		h = s.alloc()
		s.nodes[h] = node{id: id, typ: nodeType, name: name}
		s.byID[id] = h
	}
	n := &s.nodes[h]
	if len(attrs) > 0 {
		if n.attrs == nil {
			n.attrs = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			n.attrs[k] = v
		}
	}
	for _, e := range ev {
		n.evidence, _ = mergeEvidence(n.evidence, e)
	}
}

// AddEdge adds a directed edge between existing nodes; edges whose
// endpoints are missing are silently dropped. Re-adding the same
// (source, target, relation) merges: evidence is unioned and, when the
// observation is new, weight accumulates up to maxEdgeWeight.
func (s *Store) AddEdge(source, target, relation string, weight float64, ev Evidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdgeLocked(source, target, relation, weight, ev)
}

// AddBidirectional adds the forward edge and its reverse counterpart in
// one call.
func (s *Store) AddBidirectional(source, target, relation, reverse string, weight float64, ev Evidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdgeLocked(source, target, relation, weight, ev)
	s.addEdgeLocked(target, source, reverse, weight, ev)
}

func (s *Store) addEdgeLocked(source, target, relation string, weight float64, ev Evidence) {
	sh, ok := s.byID[source]
	if !ok {
		return
	}
	th, ok := s.byID[target]
	if !ok {
		return
	}

	sn := &s.nodes[sh]
	for i := range sn.out {
		e := &sn.out[i]
		if e.to == th && e.relation == relation {
			var added bool
			e.evidence, added = mergeEvidence(e.evidence, ev)
			if added {
				e.weight = math.Min(maxEdgeWeight, e.weight+weight)
			}
			return
		}
	}
	sn.out = append(sn.out, halfEdge{
		to:       th,
		relation: relation,
		weight:   math.Min(maxEdgeWeight, weight),
		evidence: []Evidence{ev},
	})
	s.edgeCount++
}

// RemoveDoc removes a document from the graph: its document and chunk
// nodes, every evidence tuple pointing at the document, edges whose
// evidence empties out, and entity nodes left without evidence. Only
// nodes adjacent to the document's chunks are visited.
func (s *Store) RemoveDoc(docID string) (nodesRemoved, edgesRemoved int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dh, ok := s.byID[DocNodeID(docID)]
	if !ok {
		return 0, 0
	}

	dead := map[int32]bool{dh: true}
	var chunks []int32
	dn := &s.nodes[dh]
	for i := range dn.out {
		to := dn.out[i].to
		if s.nodes[to].typ == TypeChunk && !dead[to] {
			dead[to] = true
			chunks = append(chunks, to)
		}
	}

	touched := make(map[int32]bool)
	for _, ch := range chunks {
		cn := &s.nodes[ch]
		for i := range cn.out {
			if to := cn.out[i].to; !dead[to] {
				touched[to] = true
			}
		}
	}

	// Drop the document's evidence from every adjacent entity; entities
	// with nothing left die with the document.
	for h := range touched {
		n := &s.nodes[h]
		n.evidence = filterEvidence(n.evidence, docID)
		if len(n.evidence) == 0 {
			dead[h] = true
		}
	}

	// Rewrite surviving adjacency: strip this document's evidence and
	// drop edges that lost all evidence or point at dead nodes.
	for h := range touched {
		if dead[h] {
			continue
		}
		n := &s.nodes[h]
		kept := n.out[:0]
		for i := range n.out {
			e := n.out[i]
			e.evidence = filterEvidence(e.evidence, docID)
			if len(e.evidence) == 0 || dead[e.to] {
				edgesRemoved++
				continue
			}
			kept = append(kept, e)
		}
		n.out = kept
	}

	deadHandles := make([]int32, 0, len(dead))
	for h := range dead {
		deadHandles = append(deadHandles, h)
	}
	sort.Slice(deadHandles, func(i, j int) bool { return deadHandles[i] < deadHandles[j] })
	for _, h := range deadHandles {
		n := &s.nodes[h]
		edgesRemoved += len(n.out)
		delete(s.byID, n.id)
		s.nodes[h] = node{}
		s.free = append(s.free, h)
		nodesRemoved++
	}
	s.edgeCount -= edgesRemoved
	return nodesRemoved, edgesRemoved
}

// Reset drops the whole graph, keeping the store usable.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
	s.byID = make(map[string]int32)
	s.free = nil
	s.edgeCount = 0
}

func (s *Store) alloc() int32 {
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		return h
	}
	s.nodes = append(s.nodes, node{})
	return int32(len(s.nodes) - 1)
}

// mergeEvidence appends e unless an identical (doc, chunk, extractor)
// tuple is already present, reporting whether the list grew.
func mergeEvidence(list []Evidence, e Evidence) ([]Evidence, bool) {
	for _, have := range list {
		if have.DocID == e.DocID && have.ChunkID == e.ChunkID && have.Extractor == e.Extractor {
			return list, false
		}
	}
	return append(list, e), true
}

func filterEvidence(list []Evidence, docID string) []Evidence {
	kept := list[:0]
	for _, e := range list {
		if e.DocID != docID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetNode returns the public view of one node, evidence included.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	if !ok {
		return Node{}, false
	}
	return s.nodeView(h, true), true
}

// Neighbors returns the outgoing edges of a node, heaviest first.
func (s *Store) Neighbors(id string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[id]
	if !ok {
		return nil
	}
	n := &s.nodes[h]
	edges := make([]Edge, 0, len(n.out))
	for i := range n.out {
		edges = append(edges, s.edgeView(n.id, &n.out[i]))
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
	return edges
}

// NodeMatch is a query-matched entity node with its seed score.
type NodeMatch struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FindNodes scores entity nodes against a free-text query: a node whose
// whole name appears in the query scores 2.0, plus 1.0 per query token
// contained in the name. Structural document and chunk nodes never
// match. At most maxSeedNodes matches are returned, best first.
func (s *Store) FindNodes(query string) []NodeMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findNodesLocked(query)
}

func (s *Store) findNodesLocked(query string) []NodeMatch {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	tokens := queryTokens(query)

	var matches []NodeMatch
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.id == "" || n.typ == TypeChunk || n.typ == TypeDocument {
			continue
		}
		name := strings.ToLower(n.name)
		if name == "" {
			continue
		}
		score := 0.0
		if strings.Contains(query, name) {
			score += 2.0
		}
		for _, tok := range tokens {
			if strings.Contains(name, tok) {
				score += 1.0
			}
		}
		if score > 0 {
			matches = append(matches, NodeMatch{ID: n.id, Type: n.typ, Name: n.name, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > maxSeedNodes {
		matches = matches[:maxSeedNodes]
	}
	return matches
}

// queryTokens splits a query into CJK/alphanumeric runs of at least two
// runes.
func queryTokens(query string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) >= 2 {
			tokens = append(tokens, string(cur))
		}
		cur = cur[:0]
	}
	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// Stats summarises graph size.
type Stats struct {
	Nodes  int            `json:"nodes"`
	Edges  int            `json:"edges"`
	ByType map[string]int `json:"by_type"`
}

// GetStats counts live nodes and edges.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Edges: s.edgeCount, ByType: make(map[string]int)}
	for i := range s.nodes {
		if s.nodes[i].id == "" {
			continue
		}
		st.Nodes++
		st.ByType[s.nodes[i].typ]++
	}
	return st
}

// DocIDs returns the ids of documents present in the graph, sorted.
func (s *Store) DocIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.id == "" || n.typ != TypeDocument {
			continue
		}
		if id := n.attrs["doc_id"]; id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Nodes lists nodes filtered by type and name keyword, ordered by
// (type, name, id), with offset/limit paging. The second return is the
// total match count before paging.
func (s *Store) Nodes(nodeType, keyword string, offset, limit int) ([]Node, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kw := strings.ToLower(keyword)
	var all []int32
	for i := range s.nodes {
		n := &s.nodes[i]
		if n.id == "" {
			continue
		}
		if nodeType != "" && n.typ != nodeType {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(n.name), kw) {
			continue
		}
		all = append(all, int32(i))
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := &s.nodes[all[i]], &s.nodes[all[j]]
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		if a.name != b.name {
			return a.name < b.name
		}
		return a.id < b.id
	})

	total := len(all)
	page := pageBounds(total, offset, limit)
	nodes := make([]Node, 0, page.hi-page.lo)
	for _, h := range all[page.lo:page.hi] {
		nodes = append(nodes, s.nodeView(h, false))
	}
	return nodes, total
}

// EdgesList lists directed edges filtered by relation and by a keyword
// against either endpoint name, ordered by (source, relation, target),
// with offset/limit paging.
func (s *Store) EdgesList(relation, keyword string, offset, limit int) ([]Edge, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kw := strings.ToLower(keyword)
	var all []Edge
	for _, h := range s.liveHandlesSortedByID() {
		n := &s.nodes[h]
		start := len(all)
		for i := range n.out {
			e := &n.out[i]
			if relation != "" && e.relation != relation {
				continue
			}
			if kw != "" &&
				!strings.Contains(strings.ToLower(n.name), kw) &&
				!strings.Contains(strings.ToLower(s.nodes[e.to].name), kw) {
				continue
			}
			all = append(all, s.edgeView(n.id, e))
		}
		out := all[start:]
		sort.Slice(out, func(i, j int) bool {
			if out[i].Relation != out[j].Relation {
				return out[i].Relation < out[j].Relation
			}
			return out[i].Target < out[j].Target
		})
	}

	total := len(all)
	page := pageBounds(total, offset, limit)
	return all[page.lo:page.hi], total
}

// ConnectedNode pairs a node with its degree for the overview API.
type ConnectedNode struct {
	Node
	Degree int `json:"degree"`
}

// TopConnected returns the most connected entity nodes, ignoring the
// structural document and chunk nodes.
func (s *Store) TopConnected(n int) []ConnectedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 10
	}
	var out []ConnectedNode
	for i := range s.nodes {
		nd := &s.nodes[i]
		if nd.id == "" || nd.typ == TypeChunk || nd.typ == TypeDocument {
			continue
		}
		out = append(out, ConnectedNode{Node: s.nodeView(int32(i), false), Degree: len(nd.out)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Degree != out[j].Degree {
			return out[i].Degree > out[j].Degree
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Subgraph expands breadth-first from the given nodes up to hops,
// collecting at most maxNodes nodes with heavier edges claiming the
// budget first, and returns the induced edges between them.
func (s *Store) Subgraph(ids []string, hops, maxNodes int) ([]Node, []Edge) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hops < 0 {
		hops = 0
	}
	if maxNodes <= 0 {
		maxNodes = 50
	}

	type queued struct {
		h     int32
		depth int
	}
	seen := make(map[int32]bool)
	var queue []queued
	var order []int32
	for _, id := range ids {
		if h, ok := s.byID[id]; ok && !seen[h] {
			seen[h] = true
			order = append(order, h)
			queue = append(queue, queued{h, 0})
		}
		if len(order) >= maxNodes {
			break
		}
	}

	for len(queue) > 0 && len(order) < maxNodes {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= hops {
			continue
		}
		nbrs := append([]halfEdge(nil), s.nodes[cur.h].out...)
		sort.SliceStable(nbrs, func(i, j int) bool { return nbrs[i].weight > nbrs[j].weight })
		for _, e := range nbrs {
			if seen[e.to] {
				continue
			}
			if len(order) >= maxNodes {
				break
			}
			seen[e.to] = true
			order = append(order, e.to)
			queue = append(queue, queued{e.to, cur.depth + 1})
		}
	}

	nodes := make([]Node, 0, len(order))
	for _, h := range order {
		nodes = append(nodes, s.nodeView(h, false))
	}
	var edges []Edge
	for _, h := range order {
		n := &s.nodes[h]
		for i := range n.out {
			if seen[n.out[i].to] {
				edges = append(edges, s.edgeView(n.id, &n.out[i]))
			}
		}
	}
	return nodes, edges
}

// ShortestPath runs a breadth-first search between two nodes and
// returns the nodes and edges along the first path found.
func (s *Store) ShortestPath(source, target string, maxHops int) ([]Node, []Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.byID[source]
	if !ok {
		return nil, nil, false
	}
	th, ok := s.byID[target]
	if !ok {
		return nil, nil, false
	}
	if maxHops <= 0 {
		maxHops = 4
	}
	if sh == th {
		return []Node{s.nodeView(sh, false)}, nil, true
	}

	parent := map[int32]int32{sh: sh}
	queue := []int32{sh}
	found := false
	for depth := 0; len(queue) > 0 && depth < maxHops && !found; depth++ {
		var next []int32
		for _, h := range queue {
			n := &s.nodes[h]
			for i := range n.out {
				to := n.out[i].to
				if _, visited := parent[to]; visited {
					continue
				}
				parent[to] = h
				if to == th {
					found = true
					break
				}
				next = append(next, to)
			}
			if found {
				break
			}
		}
		queue = next
	}
	if !found {
		return nil, nil, false
	}

	var handles []int32
	for h := th; ; h = parent[h] {
		handles = append(handles, h)
		if h == sh {
			break
		}
	}
	for i, j := 0, len(handles)-1; i < j; i, j = i+1, j-1 {
		handles[i], handles[j] = handles[j], handles[i]
	}

	nodes := make([]Node, 0, len(handles))
	for _, h := range handles {
		nodes = append(nodes, s.nodeView(h, false))
	}
	edges := make([]Edge, 0, len(handles)-1)
	for i := 0; i+1 < len(handles); i++ {
		edges = append(edges, s.bestEdgeBetween(handles[i], handles[i+1]))
	}
	return nodes, edges, true
}

func (s *Store) bestEdgeBetween(from, to int32) Edge {
	n := &s.nodes[from]
	var best *halfEdge
	for i := range n.out {
		e := &n.out[i]
		if e.to != to {
			continue
		}
		if best == nil || e.weight > best.weight {
			best = e
		}
	}
	if best == nil {
		return Edge{Source: n.id, Target: s.nodes[to].id}
	}
	return s.edgeView(n.id, best)
}

func (s *Store) nodeView(h int32, withEvidence bool) Node {
	n := &s.nodes[h]
	out := Node{ID: n.id, Type: n.typ, Name: n.name}
	if len(n.attrs) > 0 {
		out.Attrs = make(map[string]string, len(n.attrs))
		for k, v := range n.attrs {
			out.Attrs[k] = v
		}
	}
	if withEvidence && len(n.evidence) > 0 {
		out.Evidence = append([]Evidence(nil), n.evidence...)
	}
	return out
}

func (s *Store) edgeView(sourceID string, e *halfEdge) Edge {
	return Edge{
		Source:        sourceID,
		Target:        s.nodes[e.to].id,
		Relation:      e.relation,
		Weight:        e.weight,
		EvidenceCount: len(e.evidence),
	}
}

func (s *Store) liveHandlesSortedByID() []int32 {
	handles := make([]int32, 0, len(s.byID))
	for _, h := range s.byID {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		return s.nodes[handles[i]].id < s.nodes[handles[j]].id
	})
	return handles
}

type bounds struct {
	lo, hi int
}

func pageBounds(total, offset, limit int) bounds {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	hi := total
	if limit > 0 && offset+limit < hi {
		hi = offset + limit
	}
	return bounds{lo: offset, hi: hi}
}
