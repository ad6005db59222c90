package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/junwei-lu/auditrag"
	"github.com/junwei-lu/auditrag/graph"
)

// nodeView decorates a graph node with its display labels.
type nodeView struct {
	graph.Node
	TypeLabel    string `json:"type_label"`
	DocTypeLabel string `json:"doc_type_label,omitempty"`
}

func labelNode(n graph.Node) nodeView {
	v := nodeView{Node: n, TypeLabel: graph.EntityTypeLabel(n.Type)}
	if dt := n.Attrs["doc_type"]; dt != "" {
		v.DocTypeLabel = graph.DocTypeLabel(dt)
	}
	return v
}

func labelNodes(nodes []graph.Node) []nodeView {
	out := make([]nodeView, len(nodes))
	for i, n := range nodes {
		out[i] = labelNode(n)
	}
	return out
}

type edgeView struct {
	graph.Edge
	RelationLabel string `json:"relation_label"`
}

func labelEdges(edges []graph.Edge) []edgeView {
	out := make([]edgeView, len(edges))
	for i, e := range edges {
		out[i] = edgeView{Edge: e, RelationLabel: graph.RelationLabel(e.Relation)}
	}
	return out
}

type connectedView struct {
	graph.ConnectedNode
	TypeLabel string `json:"type_label"`
}

// POST /graph/rebuild
func (h *handler) handleGraphRebuild(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.RebuildGraph(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "图索引重建完成",
		"graph_stats": stats,
	})
}

// GET /graph/overview?top_n=
func (h *handler) handleGraphOverview(w http.ResponseWriter, r *http.Request) {
	topN := intQuery(r, "top_n", 8, 3, 50)
	g := h.engine.Graph()
	top := g.TopConnected(topN)
	labelled := make([]connectedView, len(top))
	for i, c := range top {
		labelled[i] = connectedView{ConnectedNode: c, TypeLabel: graph.EntityTypeLabel(c.Type)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"stats":         g.GetStats(),
		"top_connected": labelled,
	})
}

// GET /graph/nodes?node_type=&keyword=&page=&page_size=
// node_type accepts either the internal key or the Chinese display label.
func (h *handler) handleGraphNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intQuery(r, "page", 1, 1, 1<<30)
	pageSize := intQuery(r, "page_size", 20, 1, 200)
	nodeType := graph.EntityTypeKey(q.Get("node_type"))
	nodes, total := h.engine.Graph().Nodes(nodeType, q.Get("keyword"), (page-1)*pageSize, pageSize)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"nodes":     labelNodes(nodes),
	})
}

// GET /graph/edges?relation=&keyword=&page=&page_size=
// relation accepts either the internal key or the Chinese display label.
func (h *handler) handleGraphEdges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intQuery(r, "page", 1, 1, 1<<30)
	pageSize := intQuery(r, "page_size", 20, 1, 200)
	relation := graph.RelationKey(q.Get("relation"))
	edges, total := h.engine.Graph().EdgesList(relation, q.Get("keyword"), (page-1)*pageSize, pageSize)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"edges":     labelEdges(edges),
	})
}

// GET /graph/node/*
// Node ids embed colons, so the id is the wildcard tail.
func (h *handler) handleGraphNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	g := h.engine.Graph()
	node, ok := g.GetNode(id)
	if !ok {
		writeError(w, auditrag.NewError(auditrag.ErrNotFound, fmt.Sprintf("node %s not found", id)))
		return
	}
	neighbors := g.Neighbors(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"node":           labelNode(node),
		"neighbors":      labelEdges(neighbors),
		"neighbor_count": len(neighbors),
	})
}

type subgraphRequest struct {
	Query    string   `json:"query"`
	NodeIDs  []string `json:"node_ids"`
	Hops     int      `json:"hops"`
	MaxNodes int      `json:"max_nodes"`
}

// POST /graph/subgraph
// Seeds come from node_ids when given, otherwise from matching the query
// against entity names.
func (h *handler) handleGraphSubgraph(w http.ResponseWriter, r *http.Request) {
	var req subgraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid JSON", err))
		return
	}

	g := h.engine.Graph()
	seeds := req.NodeIDs
	if len(seeds) == 0 {
		if req.Query == "" {
			writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "query or node_ids required"))
			return
		}
		for _, m := range g.FindNodes(req.Query) {
			seeds = append(seeds, m.ID)
		}
	}

	hops := clamp(req.Hops, 2, 1, 4)
	maxNodes := clamp(req.MaxNodes, 120, 10, 500)
	nodes, edges := g.Subgraph(seeds, hops, maxNodes)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"seeds":   seeds,
		"nodes":   labelNodes(nodes),
		"edges":   labelEdges(edges),
	})
}

type pathRequest struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	MaxHops int    `json:"max_hops"`
}

// POST /graph/path
func (h *handler) handleGraphPath(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid JSON", err))
		return
	}
	if req.Source == "" || req.Target == "" {
		writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "source and target required"))
		return
	}

	nodes, edges, found := h.engine.Graph().ShortestPath(req.Source, req.Target, clamp(req.MaxHops, 4, 1, 8))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"found":   found,
		"path":    labelNodes(nodes),
		"edges":   labelEdges(edges),
	})
}

// intQuery reads an integer query parameter with a default and bounds.
func intQuery(r *http.Request, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return clamp(v, def, lo, hi)
}

func clamp(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
