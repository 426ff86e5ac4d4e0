package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

func testPolicy(name string) *models.Policy {
	p := models.NewPolicy(name)
	p.Description = "test policy"
	p.Categories = []models.EventCategory{models.CategoryCommandExec}
	p.Conditions = []models.RuleCondition{
		{Field: "commands", Operator: models.OpContains, Value: "curl"},
	}
	p.Tags = []string{"test"}
	return p
}

func TestSavePolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := testPolicy("exfil watch")
	require.NoError(t, s.SavePolicy(p))

	got, err := s.GetPolicyByID(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "exfil watch", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, []models.EventCategory{models.CategoryCommandExec}, got.Categories)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, models.OpContains, got.Conditions[0].Operator)
	assert.Equal(t, "curl", got.Conditions[0].Value)
	assert.Equal(t, models.ActionAlert, got.Action)
}

func TestSavePolicyUpsertsByName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePolicy(testPolicy("seeded")))

	updated := testPolicy("seeded")
	updated.Description = "second pass"
	updated.Severity = models.SeverityCritical
	require.NoError(t, s.SavePolicy(updated))

	all, err := s.GetPolicies(false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "second pass", all[0].Description)
	assert.Equal(t, models.SeverityCritical, all[0].Severity)
}

func TestCreatePolicyConflict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePolicy(testPolicy("unique name")))

	err := s.CreatePolicy(testPolicy("unique name"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetPoliciesEnabledOnly(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePolicy(testPolicy("on")))
	off := testPolicy("off")
	off.Enabled = false
	require.NoError(t, s.SavePolicy(off))

	enabled, err := s.GetPolicies(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name)

	all, err := s.GetPolicies(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdatePolicy(t *testing.T) {
	s := newTestStore(t)
	p := testPolicy("patchable")
	require.NoError(t, s.SavePolicy(p))

	err := s.UpdatePolicy(p.ID, map[string]any{
		"enabled":  false,
		"severity": "critical",
		"conditions": []models.RuleCondition{
			{Field: "commands", Operator: models.OpMatches, Value: `rm\s+-rf`},
		},
	})
	require.NoError(t, err)

	got, err := s.GetPolicyByID(p.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, models.OpMatches, got.Conditions[0].Operator)
}

func TestUpdatePolicyErrors(t *testing.T) {
	s := newTestStore(t)
	p := testPolicy("first")
	require.NoError(t, s.SavePolicy(p))
	require.NoError(t, s.SavePolicy(testPolicy("second")))

	assert.ErrorIs(t, s.UpdatePolicy(p.ID, map[string]any{"created_at": "now"}), ErrInvalidArgument)
	assert.ErrorIs(t, s.UpdatePolicy(uuid.New(), map[string]any{"enabled": false}), ErrNotFound)
	// Renaming onto an existing name trips the unique constraint.
	assert.ErrorIs(t, s.UpdatePolicy(p.ID, map[string]any{"name": "second"}), ErrConflict)
}

func TestSetPolicyEnabled(t *testing.T) {
	s := newTestStore(t)
	p := testPolicy("toggle")
	require.NoError(t, s.SavePolicy(p))

	require.NoError(t, s.SetPolicyEnabled(p.ID, false))
	got, err := s.GetPolicyByID(p.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, s.SetPolicyEnabled(uuid.New(), true), ErrNotFound)
}

func TestDeletePolicyDetachesAlerts(t *testing.T) {
	s := newTestStore(t)
	p := testPolicy("doomed")
	require.NoError(t, s.SavePolicy(p))

	a := models.NewAlert("s1", "t", models.SeverityMedium)
	pid := p.ID
	a.PolicyID = &pid
	require.NoError(t, s.SaveAlert(a))

	require.NoError(t, s.DeletePolicy(p.ID))
	_, err := s.GetPolicyByID(p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The alert survives with the policy reference cleared.
	got, err := s.GetAlertByID(a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PolicyID)

	assert.ErrorIs(t, s.DeletePolicy(uuid.New()), ErrNotFound)
}
