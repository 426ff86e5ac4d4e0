package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// SaveGraphNode upserts by (node_type, value). The conflict branch advances
// last_seen, adds one access, folds the incoming alert count, overwrites the
// session/event id lists with the caller's latest small set, and grows size.
// Returns the effective id, which differs from the proposed one when the
// node already existed; callers emitting edges must use the returned id.
func (s *Store) SaveGraphNode(n *models.GraphNode) (uuid.UUID, error) {
	var effective uuid.UUID
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO graph_nodes (
				id, node_type, value, label, first_seen, last_seen,
				access_count, alert_count, session_ids, event_ids, size, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(node_type, value) DO UPDATE SET
				last_seen = excluded.last_seen,
				access_count = graph_nodes.access_count + 1,
				alert_count = graph_nodes.alert_count + excluded.alert_count,
				session_ids = excluded.session_ids,
				event_ids = excluded.event_ids,
				size = graph_nodes.size + 1`,
			n.ID.String(), string(n.NodeType), n.Value, n.Label,
			fmtTime(n.FirstSeen), fmtTime(n.LastSeen), n.AccessCount,
			n.AlertCount, marshalJSON(n.SessionIDs, "[]"),
			marshalJSON(n.EventIDs, "[]"), n.Size, marshalJSON(n.Metadata, "null"),
		)
		if err != nil {
			return fmt.Errorf("save graph node (%s, %s): %w", n.NodeType, n.Value, err)
		}
		var idStr string
		err = tx.QueryRow(
			`SELECT id FROM graph_nodes WHERE node_type = ? AND value = ?`,
			string(n.NodeType), n.Value).Scan(&idStr)
		if err != nil {
			return fmt.Errorf("read back graph node id: %w", err)
		}
		effective, err = uuid.Parse(idStr)
		return err
	})
	return effective, err
}

// SaveGraphEdge upserts by (source, target, relation). Repeat traversals
// increment count and weight; they never create new edges.
func (s *Store) SaveGraphEdge(e *models.GraphEdge) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO graph_edges (
				id, source_id, target_id, relation, first_seen, last_seen,
				count, weight, session_ids, event_ids, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
				last_seen = excluded.last_seen,
				count = graph_edges.count + 1,
				weight = graph_edges.weight + 1,
				session_ids = excluded.session_ids,
				event_ids = excluded.event_ids`,
			e.ID.String(), e.SourceID.String(), e.TargetID.String(),
			string(e.Relation), fmtTime(e.FirstSeen), fmtTime(e.LastSeen),
			e.Count, e.Weight, marshalJSON(e.SessionIDs, "[]"),
			marshalJSON(e.EventIDs, "[]"), marshalJSON(e.Metadata, "null"),
		)
		if err != nil {
			return fmt.Errorf("save graph edge %s-%s-%s: %w",
				e.SourceID, e.Relation, e.TargetID, err)
		}
		return nil
	})
}

// GetSessionGraph returns every node touched by the session plus the edges
// whose both endpoints are in that node set, so the response never
// references nodes it does not contain.
func (s *Store) GetSessionGraph(sessionID string) (*models.Graph, error) {
	rows, err := s.db.Query(
		nodeSelect+` WHERE session_ids LIKE ? ORDER BY access_count DESC`,
		`%"`+sessionID+`"%`)
	if err != nil {
		return nil, fmt.Errorf("query session graph nodes: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return &models.Graph{Nodes: []*models.GraphNode{}, Edges: []*models.GraphEdge{}}, nil
	}

	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID.String()] = true
	}
	edges, err := s.edgesAmong(ids)
	if err != nil {
		return nil, err
	}
	return &models.Graph{Nodes: nodes, Edges: edges}, nil
}

// GetGlobalGraph returns up to limitNodes highest-traffic nodes active in
// the window plus the edges between them. When allowedSessionIDs is non-nil
// only nodes touched by at least one allowed session survive.
func (s *Store) GetGlobalGraph(from, to *time.Time, limitNodes int, allowedSessionIDs []string) (*models.Graph, error) {
	if limitNodes <= 0 {
		limitNodes = 200
	}
	where := " WHERE 1=1"
	args := []any{}
	if from != nil {
		where += " AND last_seen >= ?"
		args = append(args, fmtTime(*from))
	}
	if to != nil {
		where += " AND last_seen <= ?"
		args = append(args, fmtTime(*to))
	}
	args = append(args, limitNodes)
	rows, err := s.db.Query(nodeSelect+where+" ORDER BY access_count DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query global graph nodes: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}

	if allowedSessionIDs != nil {
		allowed := make(map[string]bool, len(allowedSessionIDs))
		for _, id := range allowedSessionIDs {
			allowed[id] = true
		}
		filtered := nodes[:0]
		for _, n := range nodes {
			for _, sid := range n.SessionIDs {
				if allowed[sid] {
					filtered = append(filtered, n)
					break
				}
			}
		}
		nodes = filtered
	}

	if len(nodes) == 0 {
		return &models.Graph{Nodes: []*models.GraphNode{}, Edges: []*models.GraphEdge{}}, nil
	}
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID.String()] = true
	}
	edges, err := s.edgesAmong(ids)
	if err != nil {
		return nil, err
	}
	return &models.Graph{Nodes: nodes, Edges: edges}, nil
}

// GetNodeByID looks up one graph node.
func (s *Store) GetNodeByID(id uuid.UUID) (*models.GraphNode, error) {
	row := s.db.QueryRow(nodeSelect+` WHERE id = ?`, id.String())
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

// GetNodesByEventID returns every node whose event_ids list contains the id.
func (s *Store) GetNodesByEventID(eventID string) ([]*models.GraphNode, error) {
	rows, err := s.db.Query(nodeSelect+` WHERE event_ids LIKE ?`, `%"`+eventID+`"%`)
	if err != nil {
		return nil, fmt.Errorf("query nodes by event: %w", err)
	}
	return collectNodes(rows)
}

// GetEdgesByTarget returns the incoming edges of a node (for parent walks).
func (s *Store) GetEdgesByTarget(id uuid.UUID) ([]*models.GraphEdge, error) {
	rows, err := s.db.Query(edgeSelect+` WHERE target_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query edges by target: %w", err)
	}
	return collectEdges(rows)
}

// GetEdgesBySource returns the outgoing edges of a node.
func (s *Store) GetEdgesBySource(id uuid.UUID) ([]*models.GraphEdge, error) {
	rows, err := s.db.Query(edgeSelect+` WHERE source_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query edges by source: %w", err)
	}
	return collectEdges(rows)
}

// edgesAmong returns the edges with both endpoints in the node set.
func (s *Store) edgesAmong(nodeIDs map[string]bool) ([]*models.GraphEdge, error) {
	ids := make([]string, 0, len(nodeIDs))
	for id := range nodeIDs {
		ids = append(ids, id)
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.Query(
		edgeSelect+fmt.Sprintf(` WHERE source_id IN (%s) AND target_id IN (%s)`,
			placeholders, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query graph edges: %w", err)
	}
	return collectEdges(rows)
}

const nodeSelect = `
	SELECT id, node_type, value, label, first_seen, last_seen, access_count,
	       alert_count, session_ids, event_ids, size, metadata
	FROM graph_nodes`

const edgeSelect = `
	SELECT id, source_id, target_id, relation, first_seen, last_seen, count,
	       weight, session_ids, event_ids, metadata
	FROM graph_edges`

func scanNode(row rowScanner) (*models.GraphNode, error) {
	var n models.GraphNode
	var id, nodeType, firstSeen, lastSeen, sessionIDs, eventIDs string
	var metadata sql.NullString
	err := row.Scan(&id, &nodeType, &n.Value, &n.Label, &firstSeen, &lastSeen,
		&n.AccessCount, &n.AlertCount, &sessionIDs, &eventIDs, &n.Size, &metadata)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan graph node: %w", err)
	}
	n.ID, _ = uuid.Parse(id)
	n.NodeType = models.NodeType(nodeType)
	n.FirstSeen = parseTime(firstSeen)
	n.LastSeen = parseTime(lastSeen)
	n.SessionIDs = unmarshalStrings(sessionIDs)
	n.EventIDs = unmarshalStrings(eventIDs)
	n.Metadata = unmarshalMap(metadata.String)
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]*models.GraphNode, error) {
	defer rows.Close()
	var nodes []*models.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanEdge(row rowScanner) (*models.GraphEdge, error) {
	var e models.GraphEdge
	var id, sourceID, targetID, relation, firstSeen, lastSeen, sessionIDs, eventIDs string
	var metadata sql.NullString
	err := row.Scan(&id, &sourceID, &targetID, &relation, &firstSeen, &lastSeen,
		&e.Count, &e.Weight, &sessionIDs, &eventIDs, &metadata)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan graph edge: %w", err)
	}
	e.ID, _ = uuid.Parse(id)
	e.SourceID, _ = uuid.Parse(sourceID)
	e.TargetID, _ = uuid.Parse(targetID)
	e.Relation = models.EdgeRelation(relation)
	e.FirstSeen = parseTime(firstSeen)
	e.LastSeen = parseTime(lastSeen)
	e.SessionIDs = unmarshalStrings(sessionIDs)
	e.EventIDs = unmarshalStrings(eventIDs)
	e.Metadata = unmarshalMap(metadata.String)
	return &e, nil
}

func collectEdges(rows *sql.Rows) ([]*models.GraphEdge, error) {
	defer rows.Close()
	var edges []*models.GraphEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
