package models

import (
	"time"

	"github.com/google/uuid"
)

// GraphNode is a node of the activity multigraph. Identity is the pair
// (node_type, value); the stored id may therefore differ from the id a
// caller proposed when the node already existed.
type GraphNode struct {
	ID          uuid.UUID      `json:"id"`
	NodeType    NodeType       `json:"node_type"`
	Value       string         `json:"value"`
	Label       string         `json:"label"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	AccessCount int            `json:"access_count"`
	AlertCount  int            `json:"alert_count"`
	SessionIDs  []string       `json:"session_ids"`
	EventIDs    []string       `json:"event_ids"`
	Size        int            `json:"size"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewGraphNode returns a node first seen now with access count 1.
func NewGraphNode(nodeType NodeType, value, label string) *GraphNode {
	now := time.Now().UTC()
	if label == "" {
		label = value
	}
	return &GraphNode{
		ID:          uuid.New(),
		NodeType:    nodeType,
		Value:       value,
		Label:       label,
		FirstSeen:   now,
		LastSeen:    now,
		AccessCount: 1,
		Size:        1,
	}
}

// GraphEdge is a directed edge of the activity multigraph. Identity is the
// triple (source, target, relation); repeat traversals increment count and
// weight rather than creating new edges.
type GraphEdge struct {
	ID         uuid.UUID      `json:"id"`
	SourceID   uuid.UUID      `json:"source_id"`
	TargetID   uuid.UUID      `json:"target_id"`
	Relation   EdgeRelation   `json:"relation"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Count      int            `json:"count"`
	Weight     int            `json:"weight"`
	SessionIDs []string       `json:"session_ids"`
	EventIDs   []string       `json:"event_ids"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewGraphEdge returns an edge first seen now with count and weight 1.
func NewGraphEdge(source, target uuid.UUID, relation EdgeRelation) *GraphEdge {
	now := time.Now().UTC()
	return &GraphEdge{
		ID:        uuid.New(),
		SourceID:  source,
		TargetID:  target,
		Relation:  relation,
		FirstSeen: now,
		LastSeen:  now,
		Count:     1,
		Weight:    1,
	}
}

// Graph is the node/edge pair returned by graph queries.
type Graph struct {
	Nodes []*GraphNode `json:"nodes"`
	Edges []*GraphEdge `json:"edges"`
}
