package engine

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// GraphStore is the slice of the store the graph builder writes through.
type GraphStore interface {
	SaveGraphNode(n *models.GraphNode) (uuid.UUID, error)
	SaveGraphEdge(e *models.GraphEdge) error
}

// GraphBuilder turns enriched events into an attack-chain hierarchy:
//
//	Session ─uses─▶ Tool ─executes─▶ CommandGroup ─executes─▶ Process
//	                 │                                          ├─▶ File
//	                 └─reads/writes─▶ File                      └─▶ URL
//
// All upserts are idempotent; replaying an event advances counters but
// never duplicates nodes or edges.
type GraphBuilder struct {
	store GraphStore
}

// NewGraphBuilder returns a builder writing through the given store.
func NewGraphBuilder(store GraphStore) *GraphBuilder {
	return &GraphBuilder{store: store}
}

// BuildFromEvent upserts the nodes and edges an event implies. Individual
// upsert failures are logged and skipped so one bad node cannot drop the
// rest of the event's graph.
func (b *GraphBuilder) BuildFromEvent(e *models.Event) {
	sid := e.SessionID
	eid := e.ID.String()

	sessionLabel := sid
	if len(sessionLabel) > 16 {
		sessionLabel = sessionLabel[:16]
	}
	sessionID, ok := b.upsertNode(models.NodeSession, sid, sessionLabel, sid, eid)
	if !ok {
		return
	}

	// Tool nodes are scoped per session so every session gets its own
	// subtree instead of one global hub per tool name.
	parentID := sessionID
	if e.ToolName != "" {
		toolID, ok := b.upsertNode(models.NodeTool, e.ToolName+":"+sid, e.ToolName, sid, eid)
		if !ok {
			return
		}
		b.upsertEdge(sessionID, toolID, models.RelUses, sid, eid)
		parentID = toolID
	}

	// Direct tool-to-file edges only when there is no command; commands
	// produce more precise process-to-file edges below.
	if len(e.Commands) == 0 {
		for _, fp := range e.FilePaths {
			fileID, ok := b.upsertNode(models.NodeFile, fp, baseLabel(fp), sid, eid)
			if !ok {
				continue
			}
			rel := models.RelReads
			switch e.Category {
			case models.CategoryFileWrite:
				rel = models.RelWrites
			case models.CategoryFileDelete:
				rel = models.RelDeletes
			}
			b.upsertEdge(parentID, fileID, rel, sid, eid)
		}
	}

	// Commands group under a per-session base-command node, with one
	// process node per full command string. Process identity is global:
	// identical command lines collapse to one node in the global view.
	var processIDs []uuid.UUID
	for _, cmd := range e.Commands {
		base := "unknown"
		if fields := strings.Fields(cmd); len(fields) > 0 {
			base = path.Base(fields[0])
		}
		groupID, ok := b.upsertNode(models.NodeCommand, "cmdgroup:"+base+":"+sid, base, sid, eid)
		if !ok {
			continue
		}
		b.upsertEdge(parentID, groupID, models.RelExecutes, sid, eid)

		label := cmd
		if len(label) > 60 {
			label = label[:60] + "..."
		}
		processID, ok := b.upsertNode(models.NodeProcess, cmd, label, sid, eid)
		if !ok {
			continue
		}
		processIDs = append(processIDs, processID)
		b.upsertEdge(groupID, processID, models.RelExecutes, sid, eid)

		for _, ref := range ExtractCommandFileRefs(cmd) {
			fileID, ok := b.upsertNode(models.NodeFile, ref.Path, baseLabel(ref.Path), sid, eid)
			if !ok {
				continue
			}
			rel := models.RelReads
			switch ref.Role {
			case RoleWrite:
				rel = models.RelWrites
			case RoleExecute:
				rel = models.RelExecutes
			}
			b.upsertEdge(processID, fileID, rel, sid, eid)
		}
	}

	// URLs hang off the process that made the call when one exists,
	// otherwise off the tool or session.
	for _, rawURL := range e.URLs {
		label := rawURL
		if parsed, err := url.Parse(rawURL); err == nil && parsed.Hostname() != "" {
			label = parsed.Hostname()
		}
		urlID, ok := b.upsertNode(models.NodeURL, rawURL, label, sid, eid)
		if !ok {
			continue
		}
		if len(processIDs) > 0 {
			for _, pid := range processIDs {
				b.upsertEdge(pid, urlID, models.RelConnectsTo, sid, eid)
			}
		} else {
			b.upsertEdge(parentID, urlID, models.RelConnectsTo, sid, eid)
		}
	}
}

// upsertNode saves one node and returns the effective stored id, which can
// differ from the fresh one when the (type, value) pair already exists.
func (b *GraphBuilder) upsertNode(nodeType models.NodeType, value, label, sessionID, eventID string) (uuid.UUID, bool) {
	node := models.NewGraphNode(nodeType, value, label)
	node.SessionIDs = []string{sessionID}
	node.EventIDs = []string{eventID}
	id, err := b.store.SaveGraphNode(node)
	if err != nil {
		log.Error().Err(err).
			Str("node_type", string(nodeType)).
			Str("value", value).
			Msg("Failed to save graph node")
		return uuid.Nil, false
	}
	return id, true
}

func (b *GraphBuilder) upsertEdge(source, target uuid.UUID, rel models.EdgeRelation, sessionID, eventID string) {
	edge := models.NewGraphEdge(source, target, rel)
	edge.SessionIDs = []string{sessionID}
	edge.EventIDs = []string{eventID}
	if err := b.store.SaveGraphEdge(edge); err != nil {
		log.Error().Err(err).
			Str("relation", string(rel)).
			Msg("Failed to save graph edge")
	}
}

func baseLabel(p string) string {
	if base := path.Base(p); base != "." && base != "/" && base != "" {
		return base
	}
	return p
}

// AlertGraph computes the subgraph around an alert: the nodes containing
// any triggering event, their ancestor chain to the root, the direct
// children of the triggering nodes, and the induced edges.
type AlertGraphStore interface {
	GetNodesByEventID(eventID string) ([]*models.GraphNode, error)
	GetEdgesByTarget(id uuid.UUID) ([]*models.GraphEdge, error)
	GetEdgesBySource(id uuid.UUID) ([]*models.GraphEdge, error)
	GetNodeByID(id uuid.UUID) (*models.GraphNode, error)
}

// BuildAlertGraph walks outward from the alert's triggering events.
func BuildAlertGraph(store AlertGraphStore, eventIDs []uuid.UUID) (*models.Graph, error) {
	nodes := map[uuid.UUID]*models.GraphNode{}
	edges := map[uuid.UUID]*models.GraphEdge{}

	var triggering []*models.GraphNode
	for _, eid := range eventIDs {
		found, err := store.GetNodesByEventID(eid.String())
		if err != nil {
			return nil, fmt.Errorf("nodes for event %s: %w", eid, err)
		}
		for _, n := range found {
			if _, seen := nodes[n.ID]; !seen {
				nodes[n.ID] = n
				triggering = append(triggering, n)
			}
		}
	}

	// Parent walk: follow incoming edges to the root.
	queue := append([]*models.GraphNode(nil), triggering...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		incoming, err := store.GetEdgesByTarget(n.ID)
		if err != nil {
			return nil, err
		}
		for _, edge := range incoming {
			edges[edge.ID] = edge
			if _, seen := nodes[edge.SourceID]; seen {
				continue
			}
			parent, err := store.GetNodeByID(edge.SourceID)
			if err != nil {
				continue
			}
			nodes[parent.ID] = parent
			queue = append(queue, parent)
		}
	}

	// Direct children of the triggering nodes.
	for _, n := range triggering {
		outgoing, err := store.GetEdgesBySource(n.ID)
		if err != nil {
			return nil, err
		}
		for _, edge := range outgoing {
			edges[edge.ID] = edge
			if _, seen := nodes[edge.TargetID]; seen {
				continue
			}
			child, err := store.GetNodeByID(edge.TargetID)
			if err != nil {
				continue
			}
			nodes[child.ID] = child
		}
	}

	graph := &models.Graph{Nodes: []*models.GraphNode{}, Edges: []*models.GraphEdge{}}
	for _, n := range nodes {
		graph.Nodes = append(graph.Nodes, n)
	}
	for _, e := range edges {
		// Keep only edges whose both endpoints made it into the node set.
		if _, ok := nodes[e.SourceID]; !ok {
			continue
		}
		if _, ok := nodes[e.TargetID]; !ok {
			continue
		}
		graph.Edges = append(graph.Edges, e)
	}
	return graph, nil
}
