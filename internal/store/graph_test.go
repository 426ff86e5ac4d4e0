package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

func saveNode(t *testing.T, s *Store, nodeType models.NodeType, value, sessionID, eventID string) *models.GraphNode {
	t.Helper()
	n := models.NewGraphNode(nodeType, value, "")
	n.SessionIDs = []string{sessionID}
	n.EventIDs = []string{eventID}
	id, err := s.SaveGraphNode(n)
	require.NoError(t, err)
	n.ID = id
	return n
}

func TestSaveGraphNodeUpsertByTypeAndValue(t *testing.T) {
	s := newTestStore(t)

	first := saveNode(t, s, models.NodeFile, "/app/.env", "s1", "e1")

	// Same (type, value) from another session resolves to the same node.
	dup := models.NewGraphNode(models.NodeFile, "/app/.env", "")
	dup.SessionIDs = []string{"s2"}
	dup.EventIDs = []string{"e2"}
	id, err := s.SaveGraphNode(dup)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	got, err := s.GetNodeByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.Equal(t, 2, got.Size)
	assert.Equal(t, []string{"s2"}, got.SessionIDs)

	// A different value is a different node.
	other := saveNode(t, s, models.NodeFile, "/app/other", "s1", "e3")
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSaveGraphEdgeUpsertByTriple(t *testing.T) {
	s := newTestStore(t)

	src := saveNode(t, s, models.NodeSession, "s1", "s1", "e1")
	tgt := saveNode(t, s, models.NodeTool, "Bash:s1", "s1", "e1")

	edge := models.NewGraphEdge(src.ID, tgt.ID, models.RelUses)
	edge.SessionIDs = []string{"s1"}
	edge.EventIDs = []string{"e1"}
	require.NoError(t, s.SaveGraphEdge(edge))

	replay := models.NewGraphEdge(src.ID, tgt.ID, models.RelUses)
	require.NoError(t, s.SaveGraphEdge(replay))

	edges, err := s.GetEdgesBySource(src.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 2, edges[0].Count)
	assert.Equal(t, 2, edges[0].Weight)

	incoming, err := s.GetEdgesByTarget(tgt.ID)
	require.NoError(t, err)
	assert.Len(t, incoming, 1)
}

func TestGetSessionGraph(t *testing.T) {
	s := newTestStore(t)

	session := saveNode(t, s, models.NodeSession, "s1", "s1", "e1")
	tool := saveNode(t, s, models.NodeTool, "Read:s1", "s1", "e1")
	file := saveNode(t, s, models.NodeFile, "/app/.env", "s1", "e1")
	foreign := saveNode(t, s, models.NodeSession, "s2", "s2", "e9")

	require.NoError(t, s.SaveGraphEdge(models.NewGraphEdge(session.ID, tool.ID, models.RelUses)))
	require.NoError(t, s.SaveGraphEdge(models.NewGraphEdge(tool.ID, file.ID, models.RelReads)))
	// An edge leaving the session's node set must not appear in the result.
	require.NoError(t, s.SaveGraphEdge(models.NewGraphEdge(tool.ID, foreign.ID, models.RelConnectsTo)))

	graph, err := s.GetSessionGraph("s1")
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 3)
	require.Len(t, graph.Edges, 2)
	for _, n := range graph.Nodes {
		assert.NotEqual(t, foreign.ID, n.ID)
	}
	for _, e := range graph.Edges {
		assert.NotEqual(t, foreign.ID, e.TargetID)
	}

	empty, err := s.GetSessionGraph("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
	assert.Empty(t, empty.Edges)
}

func TestGetNodesByEventID(t *testing.T) {
	s := newTestStore(t)

	n := saveNode(t, s, models.NodeProcess, "cat /etc/passwd", "s1", "e1")
	saveNode(t, s, models.NodeProcess, "ls", "s1", "e2")

	nodes, err := s.GetNodesByEventID("e1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, n.ID, nodes[0].ID)
}

func TestGetGlobalGraphSessionFilter(t *testing.T) {
	s := newTestStore(t)

	mine := saveNode(t, s, models.NodeFile, "/app/a", "s1", "e1")
	saveNode(t, s, models.NodeFile, "/app/b", "s2", "e2")

	graph, err := s.GetGlobalGraph(nil, nil, 100, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, mine.ID, graph.Nodes[0].ID)

	all, err := s.GetGlobalGraph(nil, nil, 100, nil)
	require.NoError(t, err)
	assert.Len(t, all.Nodes, 2)

	none, err := s.GetGlobalGraph(nil, nil, 100, []string{})
	require.NoError(t, err)
	assert.Empty(t, none.Nodes)
}
