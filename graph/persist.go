package graph

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const graphVersion = 1

// On-disk layout. Everything is sorted before encoding so rebuilding
// the same corpus writes identical bytes.
type fileGraph struct {
	Version int
	Nodes   []fileNode
}

type fileNode struct {
	ID       string
	Type     string
	Name     string
	Attrs    []fileAttr
	Evidence []Evidence
	Edges    []fileEdge
}

type fileAttr struct {
	Key   string
	Value string
}

type fileEdge struct {
	Target   string
	Relation string
	Weight   float64
	Evidence []Evidence
}

// Save writes the graph to its backing file via a temp file and rename.
func (s *Store) Save() error {
	s.mu.RLock()
	fg := s.snapshot()
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("graph: creating data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("graph: creating temp file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(fg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("graph: encoding graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("graph: closing temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("graph: replacing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) snapshot() fileGraph {
	fg := fileGraph{Version: graphVersion}
	for _, h := range s.liveHandlesSortedByID() {
		n := &s.nodes[h]
		fn := fileNode{
			ID:       n.id,
			Type:     n.typ,
			Name:     n.name,
			Evidence: sortedEvidence(n.evidence),
		}
		for k, v := range n.attrs {
			fn.Attrs = append(fn.Attrs, fileAttr{Key: k, Value: v})
		}
		sort.Slice(fn.Attrs, func(i, j int) bool { return fn.Attrs[i].Key < fn.Attrs[j].Key })
		for i := range n.out {
			e := &n.out[i]
			fn.Edges = append(fn.Edges, fileEdge{
				Target:   s.nodes[e.to].id,
				Relation: e.relation,
				Weight:   e.weight,
				Evidence: sortedEvidence(e.evidence),
			})
		}
		sort.Slice(fn.Edges, func(i, j int) bool {
			if fn.Edges[i].Relation != fn.Edges[j].Relation {
				return fn.Edges[i].Relation < fn.Edges[j].Relation
			}
			return fn.Edges[i].Target < fn.Edges[j].Target
		})
		fg.Nodes = append(fg.Nodes, fn)
	}
	return fg
}

func sortedEvidence(list []Evidence) []Evidence {
	if len(list) == 0 {
		return nil
	}
	out := append([]Evidence(nil), list...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		if out[i].ChunkID != out[j].ChunkID {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Extractor < out[j].Extractor
	})
	return out
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("graph: opening %s: %w", s.path, err)
	}
	defer f.Close()

	var fg fileGraph
	if err := gob.NewDecoder(f).Decode(&fg); err != nil {
		return fmt.Errorf("graph: decoding %s: %w", s.path, err)
	}
	if fg.Version != graphVersion {
		return fmt.Errorf("graph: unsupported graph version %d", fg.Version)
	}

	s.nodes = make([]node, len(fg.Nodes))
	s.byID = make(map[string]int32, len(fg.Nodes))
	for i, fn := range fg.Nodes {
		n := node{id: fn.ID, typ: fn.Type, name: fn.Name, evidence: fn.Evidence}
		if len(fn.Attrs) > 0 {
			n.attrs = make(map[string]string, len(fn.Attrs))
			for _, a := range fn.Attrs {
				n.attrs[a.Key] = a.Value
			}
		}
		s.nodes[i] = n
		s.byID[fn.ID] = int32(i)
	}
	for i, fn := range fg.Nodes {
		for _, fe := range fn.Edges {
			th, ok := s.byID[fe.Target]
			if !ok {
				return fmt.Errorf("graph: edge from %s references unknown node %q", fn.ID, fe.Target)
			}
			s.nodes[i].out = append(s.nodes[i].out, halfEdge{
				to:       th,
				relation: fe.Relation,
				weight:   fe.Weight,
				evidence: fe.Evidence,
			})
			s.edgeCount++
		}
	}
	return nil
}
