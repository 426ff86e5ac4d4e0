package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/models"
)

// policyAssistantModel is the model backing the plain-English policy
// generator.
const policyAssistantModel = "claude-sonnet-4-20250514"

const policyAssistantSystemPrompt = `You are a policy generator for AgentsLeak, an AI agent security monitoring tool.
Given a user's plain-English description, generate a structured policy JSON object.

You MUST respond with ONLY a JSON object containing exactly two keys:
- "policy": the policy object matching the schema below
- "explanation": a short (1-2 sentence) explanation of what the policy does

Policy schema:
{
  "name": string (short descriptive name),
  "description": string (what the policy detects),
  "enabled": true,
  "categories": array of strings from: ["file_read", "file_write", "file_delete", "command_exec", "network_access", "code_execution", "subagent_spawn", "mcp_tool_use", "session_lifecycle"],
  "tools": array of strings (tool names to match, empty = all tools),
  "conditions": array of {
    "field": string (dot-notation path, e.g. "tool_input.command", "tool_input.file_path", "tool_input.url", "tool_name"),
    "operator": string from: ["equals", "not_equals", "contains", "not_contains", "starts_with", "ends_with", "matches", "not_matches", "greater_than", "less_than", "in", "not_in"],
    "value": string or array,
    "case_sensitive": boolean (default false)
  },
  "condition_logic": "all" or "any",
  "action": string from: ["alert", "block", "log"],
  "severity": string from: ["critical", "high", "medium", "low", "info"],
  "alert_title": string (short alert title),
  "alert_description": string (detail shown in alert),
  "tags": array of strings (for organization)
}

Common fields for conditions:
- tool_input.command - the shell command being executed
- tool_input.file_path - file being read/written/deleted
- tool_input.url - URL being accessed
- tool_input.content - content being written
- tool_name - name of the tool (e.g. "Bash", "Write", "Read", "WebFetch")

IMPORTANT: Output ONLY valid JSON. No markdown, no code fences, no extra text.`

// policyRequest is the create/generate body shape. Pointer fields make the
// same struct usable for partial updates.
type policyRequest struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Enabled          *bool                  `json:"enabled"`
	Categories       []string               `json:"categories"`
	Tools            []string               `json:"tools"`
	Conditions       []models.RuleCondition `json:"conditions"`
	ConditionLogic   string                 `json:"condition_logic"`
	Action           string                 `json:"action"`
	Severity         string                 `json:"severity"`
	AlertTitle       string                 `json:"alert_title"`
	AlertDescription string                 `json:"alert_description"`
	Tags             []string               `json:"tags"`
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	enabledOnly := false
	if b := queryBool(r, "enabled_only"); b != nil {
		enabledOnly = *b
	}
	policies, err := s.store.GetPolicies(enabledOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	hitCounts, err := s.store.GetAlertCountsByPolicy()
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(policies))
	for _, p := range policies {
		items = append(items, policyDetail(p, hitCounts[p.ID.String()]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func policyDetail(p *models.Policy, hitCount int) map[string]any {
	conditions := p.Conditions
	if conditions == nil {
		conditions = []models.RuleCondition{}
	}
	return map[string]any{
		"id":                p.ID,
		"name":              p.Name,
		"description":       p.Description,
		"enabled":           p.Enabled,
		"categories":        p.Categories,
		"tools":             p.Tools,
		"conditions":        conditions,
		"condition_logic":   p.ConditionLogic,
		"action":            p.Action,
		"severity":          p.Severity,
		"alert_title":       p.AlertTitle,
		"alert_description": p.AlertDescription,
		"tags":              p.Tags,
		"created_at":        p.CreatedAt,
		"updated_at":        p.UpdatedAt,
		"hit_count":         hitCount,
	}
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.policyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyDetail(policy, 0))
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var body policyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, httpError(http.StatusBadRequest, "name is required"))
		return
	}
	categories, err := parseCategories(body.Categories)
	if err != nil {
		writeError(w, err)
		return
	}

	policy := models.NewPolicy(body.Name)
	policy.Description = body.Description
	if body.Enabled != nil {
		policy.Enabled = *body.Enabled
	}
	policy.Categories = categories
	policy.Tools = body.Tools
	policy.Conditions = body.Conditions
	if body.ConditionLogic != "" {
		policy.ConditionLogic = body.ConditionLogic
	}
	if body.Action != "" {
		policy.Action = models.PolicyAction(body.Action)
	}
	if body.Severity != "" {
		policy.Severity = models.Severity(body.Severity)
	}
	policy.AlertTitle = body.AlertTitle
	policy.AlertDescription = body.AlertDescription
	policy.Tags = body.Tags

	if err := s.store.CreatePolicy(policy); err != nil {
		writeError(w, err)
		return
	}
	s.engine.ReloadPolicies()
	log.Info().Str("policy", policy.Name).Stringer("id", policy.ID).Msg("Created policy")

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      policy.ID,
		"name":    policy.Name,
		"enabled": policy.Enabled,
		"message": "Policy created successfully",
	})
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	existing, err := s.policyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// Decode into a raw map first so absent fields stay untouched.
	raw := map[string]json.RawMessage{}
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, err)
		return
	}

	patch := map[string]any{}
	for key, val := range raw {
		switch key {
		case "name", "description", "condition_logic", "action", "severity",
			"alert_title", "alert_description":
			var str string
			if err := json.Unmarshal(val, &str); err != nil {
				writeError(w, httpError(http.StatusBadRequest, "invalid value for "+key))
				return
			}
			patch[key] = str
		case "enabled":
			var b bool
			if err := json.Unmarshal(val, &b); err != nil {
				writeError(w, httpError(http.StatusBadRequest, "invalid value for enabled"))
				return
			}
			patch[key] = b
		case "categories":
			var cats []string
			if err := json.Unmarshal(val, &cats); err != nil {
				writeError(w, httpError(http.StatusBadRequest, "invalid value for categories"))
				return
			}
			parsed, err := parseCategories(cats)
			if err != nil {
				writeError(w, err)
				return
			}
			patch[key] = parsed
		case "tools", "tags":
			var list []string
			if err := json.Unmarshal(val, &list); err != nil {
				writeError(w, httpError(http.StatusBadRequest, "invalid value for "+key))
				return
			}
			patch[key] = list
		case "conditions":
			var conds []models.RuleCondition
			if err := json.Unmarshal(val, &conds); err != nil {
				writeError(w, httpError(http.StatusBadRequest, "invalid value for conditions"))
				return
			}
			patch[key] = conds
		}
	}

	if err := s.store.UpdatePolicy(existing.ID, patch); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetPolicyByID(existing.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.engine.ReloadPolicies()
	log.Info().Str("policy", updated.Name).Stringer("id", updated.ID).Msg("Updated policy")

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      updated.ID,
		"name":    updated.Name,
		"enabled": updated.Enabled,
		"message": "Policy updated successfully",
	})
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.policyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeletePolicy(policy.ID); err != nil {
		writeError(w, err)
		return
	}
	s.engine.ReloadPolicies()
	log.Info().Str("policy", policy.Name).Stringer("id", policy.ID).Msg("Deleted policy")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) togglePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.policyFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	enabled := !policy.Enabled
	if err := s.store.SetPolicyEnabled(policy.ID, enabled); err != nil {
		writeError(w, err)
		return
	}
	s.engine.ReloadPolicies()

	message := "Policy disabled"
	if enabled {
		message = "Policy enabled"
	}
	log.Info().Str("policy", policy.Name).Bool("enabled", enabled).Msg("Toggled policy")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      policy.ID,
		"name":    policy.Name,
		"enabled": enabled,
		"message": message,
	})
}

func (s *Server) assistantStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.cfg.AnthropicAPIKey != ""})
}

// generatePolicy turns a plain-English description into a validated policy
// draft via the Anthropic API. The draft is returned, not saved; the
// operator reviews and posts it through the normal create endpoint.
func (s *Server) generatePolicy(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AnthropicAPIKey == "" {
		writeError(w, httpError(http.StatusServiceUnavailable,
			"Policy Assistant is not available. Set ANTHROPIC_API_KEY to enable it."))
		return
	}

	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, httpError(http.StatusBadRequest, "prompt is required"))
		return
	}

	client := anthropic.NewClient(option.WithAPIKey(s.cfg.AnthropicAPIKey))
	message, err := client.Messages.New(r.Context(), anthropic.MessageNewParams{
		Model:     policyAssistantModel,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: policyAssistantSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(body.Prompt)),
		},
	})
	if err != nil {
		writeError(w, mapAnthropicError(err))
		return
	}

	var text strings.Builder
	for _, block := range message.Content {
		text.WriteString(block.Text)
	}
	raw := stripCodeFences(strings.TrimSpace(text.String()))

	var parsed struct {
		Policy      *policyRequest `json:"policy"`
		Explanation *string        `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		log.Error().Str("response", truncate(raw, 200)).Msg("Failed to parse generated policy")
		writeError(w, httpError(http.StatusBadGateway,
			"Failed to parse policy from AI response. Please try rephrasing your request."))
		return
	}
	if parsed.Policy == nil || parsed.Explanation == nil {
		writeError(w, httpError(http.StatusBadGateway,
			"AI response missing required fields. Please try rephrasing your request."))
		return
	}
	if _, err := parseCategories(parsed.Policy.Categories); err != nil {
		writeError(w, httpError(http.StatusBadGateway, "Generated policy failed validation: "+err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policy":      parsed.Policy,
		"explanation": *parsed.Explanation,
	})
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return httpError(http.StatusBadGateway, "Invalid Anthropic API key.")
		case http.StatusTooManyRequests:
			return httpError(http.StatusTooManyRequests,
				"Anthropic rate limit exceeded. Please try again shortly.")
		}
		return httpError(http.StatusBadGateway, "Anthropic API error: "+strconv.Itoa(apiErr.StatusCode))
	}
	log.Error().Err(err).Msg("Anthropic request failed")
	return httpError(http.StatusBadGateway, "Anthropic API error")
}

func stripCodeFences(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	lines := strings.Split(raw, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func parseCategories(names []string) ([]models.EventCategory, error) {
	categories := make([]models.EventCategory, 0, len(names))
	for _, name := range names {
		if !models.ValidCategory(name) {
			return nil, httpError(http.StatusBadRequest, "invalid category: "+name)
		}
		categories = append(categories, models.EventCategory(name))
	}
	return categories, nil
}

func (s *Server) policyFromPath(r *http.Request) (*models.Policy, error) {
	id, err := uuid.Parse(chi.URLParam(r, "policyID"))
	if err != nil {
		return nil, httpError(http.StatusBadRequest, "invalid policy id")
	}
	return s.store.GetPolicyByID(id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
