package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

func TestSaveAlertRoundTrip(t *testing.T) {
	s := newTestStore(t)

	eventID := uuid.New()
	a := models.NewAlert("ext-1", "Credential file accessed", models.SeverityHigh)
	a.Description = "The agent read a credential file."
	a.Category = models.CategoryFileRead
	a.EventIDs = []uuid.UUID{eventID}
	a.Evidence = []models.AlertEvidence{{
		EventID:     eventID,
		Timestamp:   a.CreatedAt,
		Description: "Matched policy: credentials",
		FilePath:    "/home/dev/.aws/credentials",
	}}
	a.Blocked = true
	a.Tags = []string{"credentials"}
	a.Metadata = map[string]any{"policy_name": "credentials"}
	require.NoError(t, s.SaveAlert(a))

	got, err := s.GetAlertByID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", got.SessionID)
	assert.Equal(t, models.AlertStatusNew, got.Status)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, []uuid.UUID{eventID}, got.EventIDs)
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, "/home/dev/.aws/credentials", got.Evidence[0].FilePath)
	assert.True(t, got.Blocked)
	assert.Equal(t, []string{"credentials"}, got.Tags)
}

func TestSaveAlertConflictUpdatesTriageOnly(t *testing.T) {
	s := newTestStore(t)

	a := models.NewAlert("ext-1", "Original title", models.SeverityHigh)
	require.NoError(t, s.SaveAlert(a))

	// Reprocessing produces the same deterministic id with identity fields
	// recomputed; only triage state may move.
	replay := models.NewAlert("ext-1", "Different title", models.SeverityCritical)
	replay.ID = a.ID
	replay.Status = models.AlertStatusInvestigating
	replay.AssignedTo = "bob"
	require.NoError(t, s.SaveAlert(replay))

	got, err := s.GetAlertByID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original title", got.Title)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, models.AlertStatusInvestigating, got.Status)
	assert.Equal(t, "bob", got.AssignedTo)

	n, err := s.GetAlertCount(AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateAlert(t *testing.T) {
	s := newTestStore(t)
	a := models.NewAlert("ext-1", "t", models.SeverityMedium)
	require.NoError(t, s.SaveAlert(a))

	err := s.UpdateAlert(a.ID, map[string]any{
		"status":       "resolved",
		"action_taken": "killed the session",
		"tags":         []string{"handled"},
	})
	require.NoError(t, err)

	got, err := s.GetAlertByID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, got.Status)
	assert.Equal(t, "killed the session", got.ActionTaken)
	assert.Equal(t, []string{"handled"}, got.Tags)
}

func TestUpdateAlertRejectsUnknownColumn(t *testing.T) {
	s := newTestStore(t)
	a := models.NewAlert("ext-1", "t", models.SeverityMedium)
	require.NoError(t, s.SaveAlert(a))

	err := s.UpdateAlert(a.ID, map[string]any{"severity": "low"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = s.UpdateAlert(uuid.New(), map[string]any{"status": "resolved"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAlertsPaginatedFilters(t *testing.T) {
	s := newTestStore(t)

	mk := func(sessionID string, sev models.Severity, blocked bool) *models.Alert {
		a := models.NewAlert(sessionID, "t", sev)
		a.Blocked = blocked
		require.NoError(t, s.SaveAlert(a))
		return a
	}
	mk("s1", models.SeverityHigh, true)
	mk("s1", models.SeverityLow, false)
	mk("s2", models.SeverityHigh, false)

	bySession, total, err := s.GetAlertsPaginated(1, 10, AlertFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, bySession, 2)

	blocked := true
	byBlocked, total, err := s.GetAlertsPaginated(1, 10, AlertFilter{Blocked: &blocked})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byBlocked, 1)
	assert.True(t, byBlocked[0].Blocked)

	bySev, total, err := s.GetAlertsPaginated(1, 10, AlertFilter{Severity: "high"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, bySev, 2)
}

func TestGetAlertCountsByPolicy(t *testing.T) {
	s := newTestStore(t)

	p := models.NewPolicy("watch")
	require.NoError(t, s.SavePolicy(p))

	for i := 0; i < 2; i++ {
		a := models.NewAlert("s1", "t", models.SeverityMedium)
		pid := p.ID
		a.PolicyID = &pid
		require.NoError(t, s.SaveAlert(a))
	}
	require.NoError(t, s.SaveAlert(models.NewAlert("s1", "loose", models.SeverityLow)))

	counts, err := s.GetAlertCountsByPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[p.ID.String()])
}
