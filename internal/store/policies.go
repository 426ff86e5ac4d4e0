package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// allowedPolicyColumns is the closed set of columns UpdatePolicy may patch.
var allowedPolicyColumns = map[string]bool{
	"name":              true,
	"description":       true,
	"enabled":           true,
	"severity":          true,
	"action":            true,
	"categories":        true,
	"tools":             true,
	"conditions":        true,
	"condition_logic":   true,
	"alert_title":       true,
	"alert_description": true,
	"tags":              true,
	"metadata":          true,
}

// SavePolicy upserts by unique name: same-name saves update all non-identity
// fields in place. Used by the seeder and full updates.
func (s *Store) SavePolicy(p *models.Policy) error {
	now := fmtTime(time.Now())
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO policies (
				id, name, description, enabled, categories, tools, conditions,
				condition_logic, action, severity, alert_title,
				alert_description, tags, metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				enabled = excluded.enabled,
				categories = excluded.categories,
				tools = excluded.tools,
				conditions = excluded.conditions,
				condition_logic = excluded.condition_logic,
				action = excluded.action,
				severity = excluded.severity,
				alert_title = excluded.alert_title,
				alert_description = excluded.alert_description,
				tags = excluded.tags,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
			p.ID.String(), p.Name, p.Description, boolInt(p.Enabled),
			marshalJSON(p.Categories, "[]"), marshalJSON(p.Tools, "[]"),
			marshalJSON(p.Conditions, "[]"), p.ConditionLogic, string(p.Action),
			string(p.Severity), p.AlertTitle, p.AlertDescription,
			marshalJSON(p.Tags, "[]"), marshalJSON(p.Metadata, "null"), now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: policy %q: %v", ErrConflict, p.Name, err)
			}
			return fmt.Errorf("save policy %q: %w", p.Name, err)
		}
		return nil
	})
}

// CreatePolicy inserts a new policy, failing with ErrConflict when the name
// is already taken.
func (s *Store) CreatePolicy(p *models.Policy) error {
	if _, err := s.GetPolicyByName(p.Name); err == nil {
		return fmt.Errorf("%w: policy %q already exists", ErrConflict, p.Name)
	}
	return s.SavePolicy(p)
}

// GetPolicyByID looks up one policy.
func (s *Store) GetPolicyByID(id uuid.UUID) (*models.Policy, error) {
	row := s.db.QueryRow(policySelect+` WHERE id = ?`, id.String())
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPolicyByName looks up one policy by unique name.
func (s *Store) GetPolicyByName(name string) (*models.Policy, error) {
	row := s.db.QueryRow(policySelect+` WHERE name = ?`, name)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPolicies returns all policies (or only enabled ones) name-ordered.
func (s *Store) GetPolicies(enabledOnly bool) ([]*models.Policy, error) {
	query := policySelect
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// UpdatePolicy applies a column patch. Every key must be in the allowlist;
// anything else is an invalid-argument error. A name change hitting an
// existing name surfaces as ErrConflict.
func (s *Store) UpdatePolicy(id uuid.UUID, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	set := "updated_at = ?"
	args := []any{fmtTime(time.Now())}
	for col, val := range patch {
		if !allowedPolicyColumns[col] {
			return fmt.Errorf("%w: column %q is not updatable", ErrInvalidArgument, col)
		}
		set += ", " + col + " = ?"
		switch col {
		case "categories", "tools", "conditions", "tags":
			args = append(args, marshalJSON(val, "[]"))
		case "metadata":
			args = append(args, marshalJSON(val, "null"))
		case "enabled":
			if b, ok := val.(bool); ok {
				args = append(args, boolInt(b))
			} else {
				args = append(args, val)
			}
		default:
			args = append(args, val)
		}
	}
	args = append(args, id.String())
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE policies SET `+set+` WHERE id = ?`, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: policy name already in use", ErrConflict)
			}
			return fmt.Errorf("update policy %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetPolicyEnabled toggles a policy and returns the new state.
func (s *Store) SetPolicyEnabled(id uuid.UUID, enabled bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE policies SET enabled = ?, updated_at = ? WHERE id = ?`,
			boolInt(enabled), fmtTime(time.Now()), id.String())
		if err != nil {
			return fmt.Errorf("toggle policy %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeletePolicy removes a policy, first detaching any alerts that reference
// it so the foreign key cannot block the delete.
func (s *Store) DeletePolicy(id uuid.UUID) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE alerts SET policy_id = NULL WHERE policy_id = ?`, id.String()); err != nil {
			return fmt.Errorf("detach alerts for policy %s: %w", id, err)
		}
		res, err := tx.Exec(`DELETE FROM policies WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("delete policy %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const policySelect = `
	SELECT id, name, description, enabled, categories, tools, conditions,
	       condition_logic, action, severity, alert_title, alert_description,
	       tags, metadata, created_at, updated_at
	FROM policies`

func scanPolicy(row rowScanner) (*models.Policy, error) {
	var p models.Policy
	var id, categories, tools, conditions, tags, createdAt, updatedAt string
	var description, alertTitle, alertDescription, metadata sql.NullString
	var enabled int
	var action, severity string
	err := row.Scan(&id, &p.Name, &description, &enabled, &categories, &tools,
		&conditions, &p.ConditionLogic, &action, &severity, &alertTitle,
		&alertDescription, &tags, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	p.ID, _ = uuid.Parse(id)
	p.Description = description.String
	p.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
		p.Categories = []models.EventCategory{}
	}
	p.Tools = unmarshalStrings(tools)
	if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
		p.Conditions = []models.RuleCondition{}
	}
	p.Action = models.PolicyAction(action)
	p.Severity = models.Severity(severity)
	p.AlertTitle = alertTitle.String
	p.AlertDescription = alertDescription.String
	p.Tags = unmarshalStrings(tags)
	p.Metadata = unmarshalMap(metadata.String)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
