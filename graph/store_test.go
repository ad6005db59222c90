package graph

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.bin"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func ev(docID, chunkID, extractor string) Evidence {
	return Evidence{DocID: docID, ChunkID: chunkID, Extractor: extractor, Confidence: 0.9}
}

func TestEntityNodeID(t *testing.T) {
	a := EntityNodeID(TypeDepartment, "财政部")
	b := EntityNodeID(TypeDepartment, "财政部")
	c := EntityNodeID(TypeTopic, "财政部")

	if a != b {
		t.Errorf("same type and name produced different ids: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("different types produced the same id: %q", a)
	}
	if !strings.HasPrefix(a, TypeDepartment+":") {
		t.Errorf("id = %q, want %q prefix", a, TypeDepartment+":")
	}
	if hash := strings.TrimPrefix(a, TypeDepartment+":"); len(hash) != 16 {
		t.Errorf("hash part = %q (%d chars), want 16", hash, len(hash))
	}
}

func TestAddNodeMergesAttrsAndEvidence(t *testing.T) {
	s := openTestStore(t)
	id := EntityNodeID(TypeDepartment, "财政部")

	s.AddNode(id, TypeDepartment, "财政部",
		map[string]string{"alias": "MOF"},
		ev("d1", "d1:0", "entity_mention"))
	s.AddNode(id, TypeDepartment, "财政部",
		map[string]string{"level": "ministry"},
		ev("d1", "d1:0", "entity_mention"), // identical tuple must not duplicate
		ev("d2", "d2:0", "entity_mention"))

	n, ok := s.GetNode(id)
	if !ok {
		t.Fatal("node not found after AddNode")
	}
	if n.Type != TypeDepartment || n.Name != "财政部" {
		t.Errorf("node = %s/%s, want %s/财政部", n.Type, n.Name, TypeDepartment)
	}
	if n.Attrs["alias"] != "MOF" || n.Attrs["level"] != "ministry" {
		t.Errorf("attrs not merged: %+v", n.Attrs)
	}
	if len(n.Evidence) != 2 {
		t.Errorf("evidence = %d tuples, want 2", len(n.Evidence))
	}
	if st := s.GetStats(); st.Nodes != 1 {
		t.Errorf("stats nodes = %d, want 1", st.Nodes)
	}
}

func TestAddEdgeMergesAndCapsWeight(t *testing.T) {
	s := openTestStore(t)
	s.AddNode("a", TypeIssue, "预算超支问题", nil)
	s.AddNode("b", TypeDepartment, "财政部", nil)

	s.AddEdge("a", "b", RelBelongsToDepartment, 1.2, ev("d1", "d1:0", "relation_extractor"))

	// Re-adding the same observation merges without growing the weight.
	s.AddEdge("a", "b", RelBelongsToDepartment, 1.2, ev("d1", "d1:0", "relation_extractor"))
	edges := s.Neighbors("a")
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1 after duplicate add", len(edges))
	}
	if edges[0].Weight != 1.2 {
		t.Errorf("weight after duplicate evidence = %v, want 1.2", edges[0].Weight)
	}
	if edges[0].EvidenceCount != 1 {
		t.Errorf("evidence count = %d, want 1", edges[0].EvidenceCount)
	}

	// A new observation accumulates weight, capped at 2.0.
	s.AddEdge("a", "b", RelBelongsToDepartment, 1.2, ev("d2", "d2:0", "relation_extractor"))
	edges = s.Neighbors("a")
	if edges[0].Weight != 2.0 {
		t.Errorf("weight = %v, want capped 2.0", edges[0].Weight)
	}
	if edges[0].EvidenceCount != 2 {
		t.Errorf("evidence count = %d, want 2", edges[0].EvidenceCount)
	}

	// A different relation between the same endpoints is its own edge.
	s.AddEdge("a", "b", RelMentions, 0.9, ev("d1", "d1:0", "x"))
	if got := len(s.Neighbors("a")); got != 2 {
		t.Errorf("edges = %d, want 2 after second relation", got)
	}

	// Edges to unknown endpoints are dropped silently.
	s.AddEdge("a", "missing", RelMentions, 0.9, ev("d1", "d1:0", "x"))
	s.AddEdge("missing", "b", RelMentions, 0.9, ev("d1", "d1:0", "x"))
	if st := s.GetStats(); st.Edges != 2 {
		t.Errorf("stats edges = %d, want 2", st.Edges)
	}
}

func TestAddBidirectional(t *testing.T) {
	s := openTestStore(t)
	s.AddNode("a", TypeIssue, "采购违规问题", nil)
	s.AddNode("b", TypeDepartment, "教育部", nil)

	s.AddBidirectional("a", "b", RelBelongsToDepartment, RelHasIssue, 1.2, ev("d1", "d1:0", "relation_extractor"))

	fwd := s.Neighbors("a")
	if len(fwd) != 1 || fwd[0].Relation != RelBelongsToDepartment || fwd[0].Target != "b" {
		t.Errorf("forward edge = %+v, want %s -> b", fwd, RelBelongsToDepartment)
	}
	rev := s.Neighbors("b")
	if len(rev) != 1 || rev[0].Relation != RelHasIssue || rev[0].Target != "a" {
		t.Errorf("reverse edge = %+v, want %s -> a", rev, RelHasIssue)
	}
	if st := s.GetStats(); st.Edges != 2 {
		t.Errorf("stats edges = %d, want 2", st.Edges)
	}
}

func TestFindNodes(t *testing.T) {
	s := openTestStore(t)
	s.AddNode(EntityNodeID(TypeDepartment, "财政部"), TypeDepartment, "财政部", nil)
	s.AddNode(EntityNodeID(TypeTopic, "预算执行"), TypeTopic, "预算执行", nil)
	s.AddNode(EntityNodeID(TypeRiskType, "预算"), TypeRiskType, "预算", nil)
	// Structural nodes never match, even with an entity-like name.
	s.AddNode(DocNodeID("d1"), TypeDocument, "财政部", map[string]string{"doc_id": "d1"})
	s.AddNode(ChunkNodeID("d1:0"), TypeChunk, "d1:0", map[string]string{"chunk_id": "d1:0"})

	t.Run("whole name in query", func(t *testing.T) {
		got := s.FindNodes("财政部的预算执行问题")
		if len(got) != 3 {
			t.Fatalf("matches = %+v, want 3", got)
		}
		for _, m := range got {
			if m.Type == TypeDocument || m.Type == TypeChunk {
				t.Errorf("structural node matched: %+v", m)
			}
			if m.Score != 2.0 {
				t.Errorf("%s score = %v, want 2.0", m.Name, m.Score)
			}
		}
	})

	t.Run("token hits rank below combined hits", func(t *testing.T) {
		got := s.FindNodes("预算 执行")
		if len(got) != 2 {
			t.Fatalf("matches = %+v, want 2", got)
		}
		// 预算 appears in the query and as a token, the topic only
		// collects the two token hits.
		if got[0].Name != "预算" || got[0].Score != 3.0 {
			t.Errorf("top match = %s (%v), want 预算 (3.0)", got[0].Name, got[0].Score)
		}
		if got[1].Name != "预算执行" || got[1].Score != 2.0 {
			t.Errorf("second match = %s (%v), want 预算执行 (2.0)", got[1].Name, got[1].Score)
		}
	})

	t.Run("structural nodes excluded on exact name", func(t *testing.T) {
		got := s.FindNodes("财政部")
		if len(got) != 1 || got[0].Type != TypeDepartment {
			t.Errorf("matches = %+v, want the department only", got)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if got := s.FindNodes("完全无关"); got != nil {
			t.Errorf("matches = %+v, want none", got)
		}
	})

	t.Run("blank query", func(t *testing.T) {
		if got := s.FindNodes("   "); got != nil {
			t.Errorf("matches = %+v, want none", got)
		}
	})
}

func TestFindNodesSeedCap(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 30; i++ {
		name := fmt.Sprintf("风险类型%02d", i)
		s.AddNode(EntityNodeID(TypeRiskType, name), TypeRiskType, name, nil)
	}
	if got := len(s.FindNodes("风险类型")); got != maxSeedNodes {
		t.Errorf("matches = %d, want capped at %d", got, maxSeedNodes)
	}
}

// buildTwoDocGraph wires two documents that share the department entity
// while the topic belongs to the first document only.
func buildTwoDocGraph(t *testing.T) (*Store, string, string) {
	t.Helper()
	s := openTestStore(t)
	dept := EntityNodeID(TypeDepartment, "财政部")
	topic := EntityNodeID(TypeTopic, "预算执行")

	s.AddNode(DocNodeID("d1"), TypeDocument, "文档一", map[string]string{"doc_id": "d1"})
	s.AddNode(ChunkNodeID("d1:0"), TypeChunk, "d1:0", map[string]string{"chunk_id": "d1:0", "doc_id": "d1"})
	s.AddBidirectional(DocNodeID("d1"), ChunkNodeID("d1:0"), RelContains, RelPartOf, 0.7,
		Evidence{DocID: "d1", ChunkID: "d1:0", Extractor: "graph_builder", Confidence: 1.0})
	s.AddNode(dept, TypeDepartment, "财政部", nil, ev("d1", "d1:0", "entity_mention"))
	s.AddBidirectional(ChunkNodeID("d1:0"), dept, RelMentions, RelMentionedBy, 0.9, ev("d1", "d1:0", "entity_mention"))
	s.AddNode(topic, TypeTopic, "预算执行", nil, ev("d1", "d1:0", "entity_mention"))
	s.AddBidirectional(ChunkNodeID("d1:0"), topic, RelMentions, RelMentionedBy, 0.9, ev("d1", "d1:0", "entity_mention"))

	s.AddNode(DocNodeID("d2"), TypeDocument, "文档二", map[string]string{"doc_id": "d2"})
	s.AddNode(ChunkNodeID("d2:0"), TypeChunk, "d2:0", map[string]string{"chunk_id": "d2:0", "doc_id": "d2"})
	s.AddBidirectional(DocNodeID("d2"), ChunkNodeID("d2:0"), RelContains, RelPartOf, 0.7,
		Evidence{DocID: "d2", ChunkID: "d2:0", Extractor: "graph_builder", Confidence: 1.0})
	s.AddNode(dept, TypeDepartment, "财政部", nil, ev("d2", "d2:0", "entity_mention"))
	s.AddBidirectional(ChunkNodeID("d2:0"), dept, RelMentions, RelMentionedBy, 0.9, ev("d2", "d2:0", "entity_mention"))

	return s, dept, topic
}

func TestRemoveDoc(t *testing.T) {
	s, dept, topic := buildTwoDocGraph(t)

	if st := s.GetStats(); st.Nodes != 6 || st.Edges != 10 {
		t.Fatalf("pre-removal stats = %+v, want 6 nodes / 10 edges", st)
	}

	nodesRemoved, edgesRemoved := s.RemoveDoc("d1")
	if nodesRemoved != 3 {
		t.Errorf("nodesRemoved = %d, want 3 (document, chunk, orphaned topic)", nodesRemoved)
	}
	if edgesRemoved != 6 {
		t.Errorf("edgesRemoved = %d, want 6", edgesRemoved)
	}

	if _, ok := s.GetNode(DocNodeID("d1")); ok {
		t.Error("document node survived removal")
	}
	if _, ok := s.GetNode(ChunkNodeID("d1:0")); ok {
		t.Error("chunk node survived removal")
	}
	if _, ok := s.GetNode(topic); ok {
		t.Error("topic with no remaining evidence survived removal")
	}

	n, ok := s.GetNode(dept)
	if !ok {
		t.Fatal("shared department removed with first document")
	}
	if len(n.Evidence) != 1 || n.Evidence[0].DocID != "d2" {
		t.Errorf("department evidence = %+v, want the d2 tuple only", n.Evidence)
	}
	edges := s.Neighbors(dept)
	if len(edges) != 1 || edges[0].Target != ChunkNodeID("d2:0") {
		t.Errorf("department edges = %+v, want one edge to d2:0", edges)
	}

	if st := s.GetStats(); st.Nodes != 3 || st.Edges != 4 {
		t.Errorf("post-removal stats = %+v, want 3 nodes / 4 edges", st)
	}
	if got := s.DocIDs(); len(got) != 1 || got[0] != "d2" {
		t.Errorf("DocIDs = %v, want [d2]", got)
	}

	// Removing the last document empties the graph.
	s.RemoveDoc("d2")
	if st := s.GetStats(); st.Nodes != 0 || st.Edges != 0 {
		t.Errorf("stats after removing all documents = %+v, want empty", st)
	}
}

func TestRemoveDocUnknown(t *testing.T) {
	s, _, _ := buildTwoDocGraph(t)
	nodes, edges := s.RemoveDoc("nope")
	if nodes != 0 || edges != 0 {
		t.Errorf("RemoveDoc(nope) = (%d, %d), want (0, 0)", nodes, edges)
	}
	if st := s.GetStats(); st.Nodes != 6 || st.Edges != 10 {
		t.Errorf("stats changed by a no-op removal: %+v", st)
	}
}

func TestNodesPaging(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"审计署", "教育部", "民政部", "财政部", "交通运输部"} {
		s.AddNode(EntityNodeID(TypeDepartment, name), TypeDepartment, name, nil, ev("d1", "d1:0", "entity_mention"))
	}
	s.AddNode(EntityNodeID(TypeTopic, "预算执行"), TypeTopic, "预算执行", nil)

	page1, total := s.Nodes(TypeDepartment, "", 0, 3)
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(page1) != 3 {
		t.Fatalf("page 1 = %d nodes, want 3", len(page1))
	}
	page2, _ := s.Nodes(TypeDepartment, "", 3, 3)
	if len(page2) != 2 {
		t.Fatalf("page 2 = %d nodes, want 2", len(page2))
	}
	var names []string
	for _, n := range append(page1, page2...) {
		if n.Type != TypeDepartment {
			t.Errorf("type filter leaked %s node %q", n.Type, n.Name)
		}
		names = append(names, n.Name)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("listing not sorted by name: %v", names)
		}
	}
	// Listings stay light: no evidence payload.
	if page1[0].Evidence != nil {
		t.Errorf("listing carries evidence: %+v", page1[0].Evidence)
	}

	byKeyword, total := s.Nodes("", "预算", 0, 10)
	if total != 1 || byKeyword[0].Type != TypeTopic {
		t.Errorf("keyword filter = %+v (total %d), want the topic only", byKeyword, total)
	}
}

func TestEdgesListFilters(t *testing.T) {
	s := openTestStore(t)
	s.AddNode("a", TypeIssue, "预算超支问题", nil)
	s.AddNode("b", TypeDepartment, "财政部", nil)
	s.AddNode("c", TypeRectAction, "限期整改", nil)
	s.AddEdge("a", "b", RelBelongsToDepartment, 1.2, ev("d1", "d1:0", "x"))
	s.AddEdge("a", "c", RelRequiresAction, 1.2, ev("d1", "d1:0", "x"))

	all, total := s.EdgesList("", "", 0, 0)
	if total != 2 || len(all) != 2 {
		t.Fatalf("all edges = %d (total %d), want 2", len(all), total)
	}
	if all[0].Relation != RelBelongsToDepartment {
		t.Errorf("edges not sorted by relation: %+v", all)
	}

	byRel, total := s.EdgesList(RelRequiresAction, "", 0, 10)
	if total != 1 || byRel[0].Relation != RelRequiresAction {
		t.Errorf("relation filter = %+v (total %d)", byRel, total)
	}

	byKw, total := s.EdgesList("", "财政", 0, 10)
	if total != 1 || byKw[0].Target != "b" {
		t.Errorf("keyword filter = %+v (total %d), want the department edge", byKw, total)
	}
}

func TestTopConnected(t *testing.T) {
	s := openTestStore(t)
	hub := EntityNodeID(TypeDepartment, "财政部")
	s.AddNode(hub, TypeDepartment, "财政部", nil)
	for _, name := range []string{"主题A", "主题B", "主题C"} {
		id := EntityNodeID(TypeTopic, name)
		s.AddNode(id, TypeTopic, name, nil)
		s.AddBidirectional(hub, id, RelMentions, RelMentionedBy, 1.0, ev("d1", "d1:0", "x"))
	}
	s.AddNode(DocNodeID("d1"), TypeDocument, "文档", map[string]string{"doc_id": "d1"})
	s.AddNode(ChunkNodeID("d1:0"), TypeChunk, "d1:0", nil)
	s.AddEdge(DocNodeID("d1"), hub, RelMentions, 0.9, ev("d1", "d1:0", "x"))
	s.AddEdge(ChunkNodeID("d1:0"), hub, RelMentions, 0.9, ev("d1", "d1:0", "x"))

	top := s.TopConnected(10)
	if len(top) != 4 {
		t.Fatalf("top connected = %d nodes, want 4 entities", len(top))
	}
	if top[0].ID != hub || top[0].Degree != 3 {
		t.Errorf("top[0] = %s degree %d, want the department with degree 3", top[0].Name, top[0].Degree)
	}
	for _, c := range top {
		if c.Type == TypeDocument || c.Type == TypeChunk {
			t.Errorf("structural node listed: %+v", c.Node)
		}
	}

	if got := s.TopConnected(2); len(got) != 2 {
		t.Errorf("TopConnected(2) = %d nodes, want 2", len(got))
	}
}

func TestSubgraph(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		s.AddNode(id, TypeTopic, "节点"+id, nil)
	}
	s.AddEdge("a", "b", RelMentions, 1.0, ev("d1", "d1:0", "x"))
	s.AddEdge("b", "c", RelMentions, 1.0, ev("d1", "d1:0", "x"))
	s.AddEdge("c", "d", RelMentions, 1.0, ev("d1", "d1:0", "x"))

	nodes, edges := s.Subgraph([]string{"a"}, 1, 50)
	if len(nodes) != 2 || len(edges) != 1 {
		t.Errorf("1-hop subgraph = %d nodes / %d edges, want 2 / 1", len(nodes), len(edges))
	}

	nodes, edges = s.Subgraph([]string{"a"}, 3, 50)
	if len(nodes) != 4 || len(edges) != 3 {
		t.Errorf("3-hop subgraph = %d nodes / %d edges, want 4 / 3", len(nodes), len(edges))
	}

	// The node budget is claimed heaviest-edge first.
	s.AddNode("e", TypeTopic, "节点e", nil)
	s.AddEdge("a", "e", RelMentions, 2.0, ev("d1", "d1:0", "x"))
	nodes, _ = s.Subgraph([]string{"a"}, 1, 2)
	if len(nodes) != 2 || nodes[1].ID != "e" {
		t.Errorf("budgeted subgraph = %+v, want [a e]", nodes)
	}

	if nodes, _ := s.Subgraph([]string{"missing"}, 2, 50); len(nodes) != 0 {
		t.Errorf("unknown seed produced nodes: %+v", nodes)
	}
}

func TestShortestPath(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		s.AddNode(id, TypeTopic, "节点"+id, nil)
	}
	s.AddEdge("a", "b", RelMentions, 1.0, ev("d1", "d1:0", "x"))
	s.AddEdge("b", "c", RelMentions, 1.0, ev("d1", "d1:0", "x"))
	s.AddEdge("c", "d", RelMentions, 1.0, ev("d1", "d1:0", "x"))

	nodes, edges, found := s.ShortestPath("a", "d", 4)
	if !found {
		t.Fatal("path a..d not found")
	}
	if len(nodes) != 4 || nodes[0].ID != "a" || nodes[3].ID != "d" {
		t.Errorf("path nodes = %+v, want a..d", nodes)
	}
	if len(edges) != 3 || edges[0].Relation != RelMentions {
		t.Errorf("path edges = %+v, want 3 hops", edges)
	}

	if _, _, found := s.ShortestPath("a", "d", 2); found {
		t.Error("3-hop path found within a 2-hop limit")
	}
	// Edges are directed; there is no way back.
	if _, _, found := s.ShortestPath("d", "a", 4); found {
		t.Error("found a path against edge direction")
	}

	nodes, edges, found = s.ShortestPath("a", "a", 4)
	if !found || len(nodes) != 1 || len(edges) != 0 {
		t.Errorf("self path = %d nodes / %d edges (found %v), want 1 / 0 / true", len(nodes), len(edges), found)
	}

	if _, _, found := s.ShortestPath("a", "zzz", 4); found {
		t.Error("path to unknown node reported found")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.bin")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dept := EntityNodeID(TypeDepartment, "财政部")
	s.AddNode(DocNodeID("d1"), TypeDocument, "文档一", map[string]string{"doc_id": "d1", "doc_type": "audit_issue"})
	s.AddNode(dept, TypeDepartment, "财政部", nil,
		ev("d1", "d1:0", "entity_mention"), ev("d1", "d1:1", "entity_mention"))
	s.AddEdge(DocNodeID("d1"), dept, RelMentions, 0.9, ev("d1", "d1:0", "entity_mention"))
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	if got, want := loaded.GetStats(), s.GetStats(); got.Nodes != want.Nodes || got.Edges != want.Edges {
		t.Errorf("reloaded stats = %+v, want %+v", got, want)
	}
	n, ok := loaded.GetNode(dept)
	if !ok {
		t.Fatal("department missing after reload")
	}
	if len(n.Evidence) != 2 {
		t.Errorf("evidence = %d tuples after reload, want 2", len(n.Evidence))
	}
	doc, _ := loaded.GetNode(DocNodeID("d1"))
	if doc.Attrs["doc_type"] != "audit_issue" {
		t.Errorf("attrs lost in round trip: %+v", doc.Attrs)
	}
	edges := loaded.Neighbors(DocNodeID("d1"))
	if len(edges) != 1 || edges[0].Weight != 0.9 {
		t.Errorf("edges after reload = %+v", edges)
	}
}

func TestOpenMissingFile(t *testing.T) {
	s := openTestStore(t)
	if st := s.GetStats(); st.Nodes != 0 || st.Edges != 0 {
		t.Errorf("fresh store stats = %+v, want empty", st)
	}
}
