package vector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func testEntries() ([][]float32, []Entry) {
	vectors := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
	entries := []Entry{
		{ChunkID: "docA_0", DocID: "docA", DocType: "internal_regulation", Title: "预算管理办法", Seq: 0, Page: 1, Text: "第一条"},
		{ChunkID: "docA_1", DocID: "docA", DocType: "internal_regulation", Title: "预算管理办法", Seq: 1, Page: 1, Text: "第二条"},
		{ChunkID: "docB_0", DocID: "docB", DocType: "audit_issue", Title: "问题整改台账", Seq: 0, Page: 1, Text: "问题一"},
		{ChunkID: "docC_0", DocID: "docC", DocType: "external_report", Title: "年度审计报告", Seq: 0, Page: 2, Text: "报告内容"},
	}
	return vectors, entries
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSearchRanksByCosine(t *testing.T) {
	s := openStore(t, t.TempDir())
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	matches, err := s.Search([]float32{1, 0, 0}, 2, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ChunkID != "docA_0" {
		t.Errorf("best match = %s, want docA_0", matches[0].ChunkID)
	}
	if matches[1].ChunkID != "docA_1" {
		t.Errorf("second match = %s, want docA_1", matches[1].ChunkID)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("matches not sorted by score")
	}
	if matches[0].Score < 0.99 {
		t.Errorf("identical direction scored %f, want ~1", matches[0].Score)
	}
}

func TestSearchFilters(t *testing.T) {
	s := openStore(t, t.TempDir())
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "doc type",
			filter: Filter{DocTypes: []string{"audit_issue"}},
			want:   []string{"docB_0"},
		},
		{
			name:   "doc id set",
			filter: Filter{DocIDs: []string{"docC"}},
			want:   []string{"docC_0"},
		},
		{
			name:   "title substring",
			filter: Filter{TitleContains: "台账"},
			want:   []string{"docB_0"},
		},
		{
			name:   "combined and",
			filter: Filter{DocTypes: []string{"internal_regulation"}, TitleContains: "预算"},
			want:   []string{"docA_0", "docA_1"},
		},
		{
			name:   "conflicting and",
			filter: Filter{DocTypes: []string{"audit_issue"}, TitleContains: "预算"},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := s.Search([]float32{1, 0, 0}, 10, tt.filter)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			var got []string
			for _, m := range matches {
				got = append(got, m.ChunkID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2 := openStore(t, dir)
	if got := s2.Count(); got != 4 {
		t.Fatalf("count after reload = %d, want 4", got)
	}
	if got := s2.Dim(); got != 3 {
		t.Errorf("dim after reload = %d, want 3", got)
	}

	matches, err := s2.Search([]float32{0, 0, 1}, 1, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ChunkID != "docC_0" {
		t.Errorf("reloaded search = %+v", matches)
	}
	if matches[0].Text != "报告内容" || matches[0].Page != 2 {
		t.Errorf("metadata lost on reload: %+v", matches[0].Entry)
	}
}

func TestCountMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Drop one metadata entry behind the store's back.
	docsPath := filepath.Join(dir, "vector.docs")
	data, err := os.ReadFile(docsPath)
	if err != nil {
		t.Fatalf("read docs: %v", err)
	}
	var docs docsFile
	if err := json.Unmarshal(data, &docs); err != nil {
		t.Fatalf("parse docs: %v", err)
	}
	docs.Entries = docs.Entries[:3]
	trimmed, _ := json.Marshal(docs)
	if err := os.WriteFile(docsPath, trimmed, 0o644); err != nil {
		t.Fatalf("write docs: %v", err)
	}

	if _, err := Open(dir); err == nil {
		t.Fatal("expected error loading mismatched pair")
	}
}

func TestBadMagicRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vector.index"), []byte("JUNKJUNKJUNKJUNKJUNK"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vector.docs"), []byte(`{"entries":[]}`), 0o644); err != nil {
		t.Fatalf("write docs: %v", err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDeleteByDocCompacts(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	removed, err := s.DeleteByDoc("docA")
	if err != nil {
		t.Fatalf("DeleteByDoc: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got := s.Count(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	matches, err := s.Search([]float32{1, 0, 0}, 10, Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, m := range matches {
		if m.DocID == "docA" {
			t.Errorf("deleted doc still searchable: %s", m.ChunkID)
		}
	}

	// Compaction must survive reload.
	s2 := openStore(t, dir)
	if got := s2.Count(); got != 2 {
		t.Errorf("count after reload = %d, want 2", got)
	}

	if removed, err := s.DeleteByDoc("missing"); err != nil || removed != 0 {
		t.Errorf("DeleteByDoc(missing) = %d, %v", removed, err)
	}
}

func TestAddDimensionMismatch(t *testing.T) {
	s := openStore(t, t.TempDir())
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := s.Add([][]float32{{1, 2}}, []Entry{{ChunkID: "x_0", DocID: "x"}})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if got := s.Count(); got != 4 {
		t.Errorf("failed add changed count to %d", got)
	}
}

func TestDocIDsAndChunks(t *testing.T) {
	s := openStore(t, t.TempDir())
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids := s.DocIDs()
	want := []string{"docA", "docB", "docC"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}

	chunks := s.ChunksByDoc("docA")
	if len(chunks) != 2 || chunks[0].Seq != 0 || chunks[1].Seq != 1 {
		t.Errorf("chunks = %+v", chunks)
	}

	if _, ok := s.Chunk("docB_0"); !ok {
		t.Error("Chunk(docB_0) not found")
	}
	if _, ok := s.Chunk("nope"); ok {
		t.Error("Chunk(nope) unexpectedly found")
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	vectors, entries := testEntries()
	if err := s.Add(vectors, entries); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Count(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}

	s2 := openStore(t, dir)
	if got := s2.Count(); got != 0 {
		t.Errorf("count after reload = %d, want 0", got)
	}
}
