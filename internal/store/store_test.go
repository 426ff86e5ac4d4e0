package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestOpenCreatesDataDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSaveSessionPreservesOriginOnUpsert(t *testing.T) {
	s := newTestStore(t)

	sess := models.NewSession("ext-1")
	sess.CWD = "/work/repo"
	sess.EndpointHostname = "dev-laptop"
	sess.EndpointUser = "alice"
	sess.SessionSource = "claude_code"
	require.NoError(t, s.SaveSession(sess))

	// A later save for the same external id carries different origin fields;
	// only status, end time, and counters may change.
	later := models.NewSession("ext-1")
	later.EndpointHostname = "other-host"
	later.EndpointUser = "mallory"
	later.Status = models.SessionEnded
	now := time.Now().UTC()
	later.EndedAt = &now
	later.EventCount = 5
	require.NoError(t, s.SaveSession(later))

	got, err := s.GetSessionByID("ext-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-laptop", got.EndpointHostname)
	assert.Equal(t, "alice", got.EndpointUser)
	assert.Equal(t, "/work/repo", got.CWD)
	assert.Equal(t, models.SessionEnded, got.Status)
	assert.Equal(t, 5, got.EventCount)
	require.NotNil(t, got.EndedAt)
}

func TestGetSessionByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSessionByID("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndSession(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(models.NewSession("ext-1")))

	require.NoError(t, s.EndSession("ext-1"))
	got, err := s.GetSessionByID("ext-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.Status)
	assert.NotNil(t, got.EndedAt)

	assert.ErrorIs(t, s.EndSession("nope"), ErrNotFound)
}

func TestIncrementEventCountReactivatesSession(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(models.NewSession("ext-1")))
	require.NoError(t, s.EndSession("ext-1"))

	// A late event means the session was not actually over.
	require.NoError(t, s.IncrementSessionEventCount("ext-1"))

	got, err := s.GetSessionByID("ext-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, 1, got.EventCount)
}

func TestSessionCounters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(models.NewSession("ext-1")))

	require.NoError(t, s.IncrementSessionAlertCount("ext-1"))
	require.NoError(t, s.IncrementSessionAlertCount("ext-1"))
	require.NoError(t, s.IncrementSessionRiskScore("ext-1", 15))
	require.NoError(t, s.IncrementSessionRiskScore("ext-1", 10))
	require.NoError(t, s.IncrementSessionRiskScore("ext-1", 0))

	got, err := s.GetSessionByID("ext-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AlertCount)
	assert.Equal(t, 25, got.RiskScore)
}

func TestGetSessionsPaginated(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		sess := models.NewSession(string(rune('a' + i)))
		sess.StartedAt = base.Add(time.Duration(i) * time.Minute)
		sess.EndpointHostname = "host-a"
		if i >= 3 {
			sess.EndpointHostname = "host-b"
		}
		require.NoError(t, s.SaveSession(sess))
	}

	page, total, err := s.GetSessionsPaginated(1, 2, SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	// Newest first.
	assert.Equal(t, "e", page[0].SessionID)
	assert.Equal(t, "d", page[1].SessionID)

	byHost, total, err := s.GetSessionsPaginated(1, 10, SessionFilter{Hostname: "host-b"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, byHost, 2)

	active, err := s.GetSessionCount(models.SessionActive)
	require.NoError(t, err)
	assert.Equal(t, 5, active)
}

func TestCleanupStaleSessions(t *testing.T) {
	s := newTestStore(t)

	stale := models.NewSession("stale")
	stale.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, s.SaveSession(stale))

	fresh := models.NewSession("fresh")
	require.NoError(t, s.SaveSession(fresh))

	// A session with a recent event stays active even if it started long ago.
	busy := models.NewSession("busy")
	busy.StartedAt = time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, s.SaveSession(busy))
	ev := models.NewEvent("busy", models.HookPostToolUse)
	require.NoError(t, s.SaveEvent(ev))

	closed, err := s.CleanupStaleSessions(60)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := s.GetSessionByID("stale")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.Status)

	for _, id := range []string{"fresh", "busy"} {
		got, err := s.GetSessionByID(id)
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, got.Status, id)
	}
}

func TestGetSessionStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession(models.NewSession("ext-1")))

	mk := func(cat models.EventCategory, sev models.Severity) {
		e := models.NewEvent("ext-1", models.HookPostToolUse)
		e.Category = cat
		e.Severity = sev
		require.NoError(t, s.SaveEvent(e))
	}
	mk(models.CategoryFileRead, models.SeverityInfo)
	mk(models.CategoryFileRead, models.SeverityHigh)
	mk(models.CategoryCommandExec, models.SeverityInfo)

	a := models.NewAlert("ext-1", "t", models.SeverityHigh)
	require.NoError(t, s.SaveAlert(a))

	stats, err := s.GetSessionStats("ext-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EventsByCategory["file_read"])
	assert.Equal(t, 1, stats.EventsByCategory["command_exec"])
	assert.Equal(t, 2, stats.EventsBySeverity["info"])
	assert.Equal(t, 1, stats.AlertsBySeverity["high"])
	assert.NotNil(t, stats.FirstEventAt)
	assert.NotNil(t, stats.LastEventAt)
}

func TestCountsBySession(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveEvent(models.NewEvent("s1", models.HookPostToolUse)))
	}
	require.NoError(t, s.SaveEvent(models.NewEvent("s2", models.HookPostToolUse)))

	counts, err := s.GetEventCountsBySession([]string{"s1", "s2", "s3"})
	require.NoError(t, err)
	assert.Equal(t, 3, counts["s1"])
	assert.Equal(t, 1, counts["s2"])
	assert.Zero(t, counts["s3"])

	empty, err := s.GetEventCountsBySession(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
