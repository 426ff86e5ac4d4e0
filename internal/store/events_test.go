package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

func TestSaveEventRoundTrip(t *testing.T) {
	s := newTestStore(t)

	e := models.NewEvent("ext-1", models.HookPreToolUse)
	e.ToolName = "Bash"
	e.ToolInput = map[string]any{"command": "cat /etc/passwd"}
	e.ToolResult = map[string]any{"exit_code": float64(0)}
	e.Category = models.CategoryCommandExec
	e.Severity = models.SeverityHigh
	e.FilePaths = []string{"/etc/passwd"}
	e.Commands = []string{"cat /etc/passwd"}
	e.URLs = []string{}
	e.IPAddresses = []string{}
	e.Enriched = true
	e.RawPayload = map[string]any{"session_id": "ext-1", "cwd": "/work"}
	require.NoError(t, s.SaveEvent(e))

	got, err := s.GetEventByID(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.SessionID, got.SessionID)
	assert.Equal(t, models.HookPreToolUse, got.HookType)
	assert.Equal(t, "Bash", got.ToolName)
	assert.Equal(t, "cat /etc/passwd", got.ToolInput["command"])
	assert.Equal(t, models.CategoryCommandExec, got.Category)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, []string{"/etc/passwd"}, got.FilePaths)
	assert.Equal(t, "/work", got.RawPayload["cwd"])
	assert.True(t, got.Enriched)
	assert.False(t, got.Processed)
}

func TestSaveEventReplacesOnSameID(t *testing.T) {
	s := newTestStore(t)

	e := models.NewEvent("ext-1", models.HookPreToolUse)
	require.NoError(t, s.SaveEvent(e))

	e.Processed = true
	e.Category = models.CategoryCommandExec
	require.NoError(t, s.SaveEvent(e))

	got, err := s.GetEventByID(e.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, models.CategoryCommandExec, got.Category)

	n, err := s.GetEventCount(EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetEventByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEventByID(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetEventsFilters(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	mk := func(sessionID string, cat models.EventCategory, sev models.Severity, offset time.Duration) *models.Event {
		e := models.NewEvent(sessionID, models.HookPostToolUse)
		e.Timestamp = base.Add(offset)
		e.Category = cat
		e.Severity = sev
		require.NoError(t, s.SaveEvent(e))
		return e
	}
	mk("s1", models.CategoryFileRead, models.SeverityInfo, 0)
	mk("s1", models.CategoryCommandExec, models.SeverityHigh, time.Minute)
	mk("s2", models.CategoryCommandExec, models.SeverityCritical, 2*time.Minute)

	byCat, err := s.GetEvents(EventFilter{Category: "command_exec"}, 100)
	require.NoError(t, err)
	assert.Len(t, byCat, 2)
	// Newest first.
	assert.Equal(t, "s2", byCat[0].SessionID)

	bySession, err := s.GetEvents(EventFilter{SessionID: "s1"}, 100)
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	bySev, err := s.GetEvents(EventFilter{Severity: "critical"}, 100)
	require.NoError(t, err)
	assert.Len(t, bySev, 1)

	page, total, err := s.GetEventsPaginated(2, 2, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)
}

func TestGetEventsProcessedFilter(t *testing.T) {
	s := newTestStore(t)

	pending := models.NewEvent("s1", models.HookPostToolUse)
	require.NoError(t, s.SaveEvent(pending))
	done := models.NewEvent("s1", models.HookPostToolUse)
	done.Processed = true
	require.NoError(t, s.SaveEvent(done))

	processed := true
	got, err := s.GetEvents(EventFilter{Processed: &processed}, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, done.ID, got[0].ID)
}

func TestGetEventsBefore(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		e := models.NewEvent("s1", models.HookPostToolUse)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveEvent(e))
		ids = append(ids, e.ID)
	}
	// An event from another session must not leak in.
	other := models.NewEvent("s2", models.HookPostToolUse)
	other.Timestamp = base.Add(time.Minute)
	require.NoError(t, s.SaveEvent(other))

	got, err := s.GetEventsBefore("s1", base.Add(3*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// The two most recent at or before the cutoff, oldest first.
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[3], got[1].ID)
}
