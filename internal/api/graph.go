package api

import (
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IngaCherny/AgentsLeak/internal/models"
	"github.com/IngaCherny/AgentsLeak/internal/store"
)

// graphNodeJSON is the wire shape of a graph node. Ids are strings because
// clustering and endpoint grouping synthesize nodes ("dir:...", "user:...")
// that have no stored uuid. Color carries the session source for session
// nodes; the dashboard maps it to a palette.
type graphNodeJSON struct {
	ID          string    `json:"id"`
	NodeType    string    `json:"node_type"`
	Label       string    `json:"label"`
	Value       string    `json:"value"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	AccessCount int       `json:"access_count"`
	AlertCount  int       `json:"alert_count"`
	Size        float64   `json:"size"`
	Color       string    `json:"color,omitempty"`
}

type graphEdgeJSON struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Relation  string    `json:"relation"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"count"`
	Weight    float64   `json:"weight"`
}

func nodeJSON(n *models.GraphNode) graphNodeJSON {
	return graphNodeJSON{
		ID:          n.ID.String(),
		NodeType:    string(n.NodeType),
		Label:       n.Label,
		Value:       n.Value,
		FirstSeen:   n.FirstSeen,
		LastSeen:    n.LastSeen,
		AccessCount: n.AccessCount,
		AlertCount:  n.AlertCount,
		Size:        float64(n.Size),
	}
}

func edgeJSON(e *models.GraphEdge) graphEdgeJSON {
	return graphEdgeJSON{
		ID:        e.ID.String(),
		SourceID:  e.SourceID.String(),
		TargetID:  e.TargetID.String(),
		Relation:  string(e.Relation),
		FirstSeen: e.FirstSeen,
		LastSeen:  e.LastSeen,
		Count:     e.Count,
		Weight:    float64(e.Weight),
	}
}

func (s *Server) getSessionGraph(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSessionByID(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	graph, err := s.store.GetSessionGraph(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	// The full time range is reported before any window filtering so the
	// dashboard can render the scrubber bounds.
	timeRange := graphTimeRange(graph.Nodes)

	from := queryTime(r, "from_date")
	to := queryTime(r, "to_date")
	rawNodes, rawEdges := filterGraphWindow(graph.Nodes, graph.Edges, from, to)

	source := sess.SessionSource
	if source == "" {
		source = "claude_code"
	}
	nodes := make([]graphNodeJSON, 0, len(rawNodes))
	for _, n := range rawNodes {
		jn := nodeJSON(n)
		if n.NodeType == models.NodeSession {
			jn.Color = source
		}
		nodes = append(nodes, jn)
	}
	edges := make([]graphEdgeJSON, 0, len(rawEdges))
	for _, e := range rawEdges {
		edges = append(edges, edgeJSON(e))
	}

	if b := queryBool(r, "cluster_dirs"); b != nil && *b {
		nodes, edges = clusterDirectories(nodes, edges)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":      nodes,
		"edges":      edges,
		"stats":      graphStats(nodes, edges),
		"time_range": timeRange,
	})
}

func (s *Server) getGlobalGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := queryTime(r, "from_date")
	to := queryTime(r, "to_date")
	limitNodes := queryInt(r, "limit_nodes", 500)
	if limitNodes < 1 {
		limitNodes = 500
	}
	if limitNodes > 2000 {
		limitNodes = 2000
	}

	// Endpoint and source filters resolve to session ids before the graph
	// query; an empty resolution is an empty graph, not an error.
	var allowed []string
	if endpoint, source := q.Get("endpoint"), q.Get("session_source"); endpoint != "" || source != "" {
		sessions, _, err := s.store.GetSessionsPaginated(1, 10000, store.SessionFilter{
			Hostname: endpoint,
			Source:   source,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if len(sessions) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"nodes": []graphNodeJSON{},
				"edges": []graphEdgeJSON{},
				"stats": graphStats(nil, nil),
			})
			return
		}
		for _, sess := range sessions {
			allowed = append(allowed, sess.SessionID)
		}
	}

	graph, err := s.store.GetGlobalGraph(from, to, limitNodes, allowed)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes := make([]graphNodeJSON, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodes = append(nodes, nodeJSON(n))
	}
	edges := make([]graphEdgeJSON, 0, len(graph.Edges))
	for _, e := range graph.Edges {
		edges = append(edges, edgeJSON(e))
	}

	nodes, edges = s.injectEndpointNodes(nodes, edges)

	if b := queryBool(r, "cluster_dirs"); b != nil && *b {
		nodes, edges = clusterDirectories(nodes, edges)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":      nodes,
		"edges":      edges,
		"stats":      graphStats(nodes, edges),
		"time_range": graphTimeRange(graph.Nodes),
	})
}

// injectEndpointNodes groups session nodes under synthetic user@host nodes
// so the global view shows which endpoint each session ran on. Session
// nodes also get their source stamped into the color field.
func (s *Server) injectEndpointNodes(nodes []graphNodeJSON, edges []graphEdgeJSON) ([]graphNodeJSON, []graphEdgeJSON) {
	sessionNodes := map[string]*graphNodeJSON{}
	for i := range nodes {
		if nodes[i].NodeType == string(models.NodeSession) {
			sessionNodes[nodes[i].Value] = &nodes[i]
		}
	}
	if len(sessionNodes) == 0 {
		return nodes, edges
	}

	sessions, _, err := s.store.GetSessionsPaginated(1, 10000, store.SessionFilter{})
	if err != nil {
		return nodes, edges
	}

	endpointSessions := map[string][]*graphNodeJSON{}
	for _, sess := range sessions {
		node, ok := sessionNodes[sess.SessionID]
		if !ok {
			continue
		}
		source := sess.SessionSource
		if source == "" {
			source = "claude_code"
		}
		node.Color = source
		if sess.EndpointHostname == "" {
			continue
		}
		label := sess.EndpointHostname
		if sess.EndpointUser != "" {
			label = sess.EndpointUser + "@" + sess.EndpointHostname
		}
		endpointSessions[label] = append(endpointSessions[label], node)
	}

	for label, members := range endpointSessions {
		userID := "user:" + label
		alerts := 0
		first, last := members[0].FirstSeen, members[0].LastSeen
		for _, n := range members {
			alerts += n.AlertCount
			if n.FirstSeen.Before(first) {
				first = n.FirstSeen
			}
			if n.LastSeen.After(last) {
				last = n.LastSeen
			}
		}
		nodes = append(nodes, graphNodeJSON{
			ID:          userID,
			NodeType:    string(models.NodeUser),
			Label:       label,
			Value:       label,
			FirstSeen:   first,
			LastSeen:    last,
			AccessCount: len(members),
			AlertCount:  alerts,
			Size:        2,
		})
		for _, n := range members {
			edges = append(edges, graphEdgeJSON{
				ID:        "user-edge:" + label + ":" + n.ID,
				SourceID:  userID,
				TargetID:  n.ID,
				Relation:  string(models.RelContains),
				FirstSeen: n.FirstSeen,
				LastSeen:  n.LastSeen,
				Count:     1,
				Weight:    1,
			})
		}
	}
	return nodes, edges
}

// clusterDirectories collapses directories holding three or more file nodes
// into one synthetic directory node, redirecting and deduplicating edges.
func clusterDirectories(nodes []graphNodeJSON, edges []graphEdgeJSON) ([]graphNodeJSON, []graphEdgeJSON) {
	fileTypes := map[string]bool{
		string(models.NodeFile):      true,
		string(models.NodeDirectory): true,
	}

	dirGroups := map[string][]graphNodeJSON{}
	var kept []graphNodeJSON
	for _, n := range nodes {
		if fileTypes[n.NodeType] {
			parent := path.Dir(n.Value)
			if parent == "." || parent == "/" {
				parent = path.Dir(n.Label)
			}
			if parent != "." && parent != "/" && parent != "" {
				dirGroups[parent] = append(dirGroups[parent], n)
				continue
			}
		}
		kept = append(kept, n)
	}

	redirected := map[string]string{}
	for dir, members := range dirGroups {
		if len(members) < 3 {
			kept = append(kept, members...)
			continue
		}
		clusterID := "dir:" + dir
		access, alerts := 0, 0
		first, last := members[0].FirstSeen, members[0].LastSeen
		for _, n := range members {
			access += n.AccessCount
			alerts += n.AlertCount
			if n.FirstSeen.Before(first) {
				first = n.FirstSeen
			}
			if n.LastSeen.After(last) {
				last = n.LastSeen
			}
			redirected[n.ID] = clusterID
		}
		kept = append(kept, graphNodeJSON{
			ID:          clusterID,
			NodeType:    string(models.NodeDirectory),
			Label:       dir + "/ (" + strconv.Itoa(len(members)) + " files)",
			Value:       dir,
			FirstSeen:   first,
			LastSeen:    last,
			AccessCount: access,
			AlertCount:  alerts,
			Size:        float64(len(members)) * 1.5,
		})
	}

	if len(redirected) == 0 {
		return kept, edges
	}

	type edgeKey struct{ src, tgt, rel string }
	seen := map[edgeKey]bool{}
	var newEdges []graphEdgeJSON
	for _, e := range edges {
		if id, ok := redirected[e.SourceID]; ok {
			e.SourceID = id
		}
		if id, ok := redirected[e.TargetID]; ok {
			e.TargetID = id
		}
		key := edgeKey{e.SourceID, e.TargetID, e.Relation}
		if seen[key] {
			continue
		}
		seen[key] = true
		newEdges = append(newEdges, e)
	}
	return kept, newEdges
}

// filterGraphWindow keeps nodes whose lifetime overlaps the window, plus
// the induced edges.
func filterGraphWindow(nodes []*models.GraphNode, edges []*models.GraphEdge, from, to *time.Time) ([]*models.GraphNode, []*models.GraphEdge) {
	if from == nil && to == nil {
		return nodes, edges
	}
	keptIDs := map[string]bool{}
	var keptNodes []*models.GraphNode
	for _, n := range nodes {
		if from != nil && n.LastSeen.Before(*from) {
			continue
		}
		if to != nil && n.FirstSeen.After(*to) {
			continue
		}
		keptNodes = append(keptNodes, n)
		keptIDs[n.ID.String()] = true
	}
	var keptEdges []*models.GraphEdge
	for _, e := range edges {
		if keptIDs[e.SourceID.String()] && keptIDs[e.TargetID.String()] {
			keptEdges = append(keptEdges, e)
		}
	}
	return keptNodes, keptEdges
}

func graphTimeRange(nodes []*models.GraphNode) map[string]string {
	if len(nodes) == 0 {
		return nil
	}
	min, max := nodes[0].FirstSeen, nodes[0].LastSeen
	for _, n := range nodes {
		if n.FirstSeen.Before(min) {
			min = n.FirstSeen
		}
		if n.LastSeen.After(max) {
			max = n.LastSeen
		}
	}
	return map[string]string{
		"min": min.UTC().Format(time.RFC3339),
		"max": max.UTC().Format(time.RFC3339),
	}
}

func graphStats(nodes []graphNodeJSON, edges []graphEdgeJSON) map[string]any {
	nodesByType := map[string]int{}
	for _, n := range nodes {
		nodesByType[n.NodeType]++
	}
	edgesByRelation := map[string]int{}
	for _, e := range edges {
		edgesByRelation[e.Relation]++
	}
	return map[string]any{
		"total_nodes":       len(nodes),
		"total_edges":       len(edges),
		"nodes_by_type":     nodesByType,
		"edges_by_relation": edgesByRelation,
	}
}
