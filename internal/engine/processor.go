package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IngaCherny/AgentsLeak/internal/metrics"
	"github.com/IngaCherny/AgentsLeak/internal/models"
)

const (
	defaultQueueSize        = 1000
	staleReapInterval       = 5 * time.Minute
	staleThresholdMinutes   = 1440
	alertIDNamespaceStr     = "agentsleak.alert"
)

// Store is the slice of the persistence layer the engine drives.
type Store interface {
	GraphStore
	GetPolicies(enabledOnly bool) ([]*models.Policy, error)
	SaveEvent(e *models.Event) error
	SaveAlert(a *models.Alert) error
	IncrementSessionAlertCount(sessionID string) error
	IncrementSessionRiskScore(sessionID string, delta int) error
	CleanupStaleSessions(inactiveMinutes int) (int, error)
}

// Broadcaster fans processed events and alerts out to live subscribers.
type Broadcaster interface {
	BroadcastEvent(e *models.Event)
	BroadcastAlert(a *models.Alert)
}

// Decision is the synchronous pre-tool verdict.
type Decision struct {
	Allow        bool
	Reason       string
	AlertID      *uuid.UUID
	UpdatedInput map[string]any
}

// alertIDNamespace makes policy and sequence alert ids deterministic, so
// reprocessing the same event updates the existing alert instead of
// inserting a duplicate.
var alertIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte(alertIDNamespaceStr))

// Engine orchestrates the detection pipeline: synchronous pre-tool policy
// checks plus an async worker that enriches, evaluates, scores, and graphs
// every persisted event.
type Engine struct {
	store       Store
	broadcaster Broadcaster
	tracker     *SequenceTracker
	graph       *GraphBuilder

	policyMu sync.RWMutex
	policies []*models.Policy

	queue  chan *models.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped engine. Call Start to load policies and launch the
// worker.
func New(store Store, broadcaster Broadcaster) *Engine {
	return &Engine{
		store:       store,
		broadcaster: broadcaster,
		tracker:     NewSequenceTracker(),
		graph:       NewGraphBuilder(store),
		queue:       make(chan *models.Event, defaultQueueSize),
	}
}

// Start loads policies and sequence rules and launches the worker and the
// stale-session reaper.
func (e *Engine) Start(ctx context.Context) {
	if e.done != nil {
		return
	}
	e.ReloadPolicies()
	e.tracker.LoadRules(DefaultSequenceRules())

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	go e.reapStaleSessions(ctx)
	log.Info().Msg("Engine processing loop started")
}

// Stop cancels the worker and waits for the in-flight event to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	log.Info().Msg("Engine processing loop stopped")
}

// ReloadPolicies swaps the enabled-policy snapshot. Called at startup and
// after every policy mutation through the API.
func (e *Engine) ReloadPolicies() {
	policies, err := e.store.GetPolicies(true)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load policies")
		policies = nil
	}
	e.policyMu.Lock()
	e.policies = policies
	e.policyMu.Unlock()
	log.Info().Int("count", len(policies)).Msg("Loaded active policies")
}

func (e *Engine) snapshotPolicies() []*models.Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policies
}

// Enqueue hands an event to the async pipeline. Never blocks: when the
// queue is full the event is dropped with a counted warning. The event is
// already persisted at this point, so a drop loses enrichment, not data.
func (e *Engine) Enqueue(event *models.Event) {
	select {
	case e.queue <- event:
		metrics.QueueDepth.Set(float64(len(e.queue)))
	default:
		metrics.QueueDropped.Inc()
		log.Warn().
			Str("event_id", event.ID.String()).
			Str("session_id", event.SessionID).
			Msg("Processing queue full, dropping event")
	}
}

// ResetSession clears the sequence tracker state for an ended session.
func (e *Engine) ResetSession(sessionID string) {
	e.tracker.ResetSession(sessionID)
}

// EvaluatePreTool is the synchronous blocking check run before a tool
// executes. It enriches and classifies in place, then returns deny on the
// first matching BLOCK policy. Everything else (alert policies, sequences,
// risk, graph) happens later on the async path.
func (e *Engine) EvaluatePreTool(event *models.Event) Decision {
	Enrich(event)
	data := EventData(event)

	for _, policy := range e.snapshotPolicies() {
		if policy.Action != models.ActionBlock {
			continue
		}
		if !PolicyMatches(policy, data) {
			continue
		}
		alert := e.policyAlert(policy, event, true)
		if err := e.store.SaveAlert(alert); err != nil {
			log.Error().Err(err).Str("policy", policy.Name).Msg("Failed to save block alert")
		} else {
			if err := e.store.IncrementSessionAlertCount(event.SessionID); err != nil {
				log.Error().Err(err).Msg("Failed to bump session alert count")
			}
			e.broadcast(alert)
		}
		metrics.PreToolDenied.Inc()
		metrics.AlertsFired.WithLabelValues(string(models.ActionBlock)).Inc()
		log.Warn().
			Str("policy", policy.Name).
			Str("tool", event.ToolName).
			Str("session_id", event.SessionID).
			Msg("Blocked tool execution")
		id := alert.ID
		return Decision{
			Allow:   false,
			Reason:  "Blocked by policy: " + policy.Name,
			AlertID: &id,
		}
	}
	return Decision{Allow: true}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.queue:
			metrics.QueueDepth.Set(float64(len(e.queue)))
			e.processEvent(event)
		}
	}
}

// processEvent runs the full async pipeline for one event. Stage failures
// are logged and skipped; a bad event never halts the worker.
func (e *Engine) processEvent(event *models.Event) {
	Enrich(event)
	data := EventData(event)

	// Block policies already ran synchronously for PreToolUse.
	if event.HookType != models.HookPreToolUse {
		e.evaluatePolicies(event, data)
	}

	e.evaluateSequences(event, data)

	if delta := ComputeEventRisk(event); delta > 0 {
		if err := e.store.IncrementSessionRiskScore(event.SessionID, delta); err != nil {
			log.Debug().Err(err).Str("session_id", event.SessionID).Msg("Risk score update failed")
		}
	}

	e.graph.BuildFromEvent(event)

	event.Processed = true
	if err := e.store.SaveEvent(event); err != nil {
		log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to save processed event")
	}

	if e.broadcaster != nil {
		e.broadcaster.BroadcastEvent(event)
	}

	log.Debug().
		Str("event_id", event.ID.String()).
		Str("category", string(event.Category)).
		Str("severity", string(event.Severity)).
		Msg("Processed event")
}

func (e *Engine) evaluatePolicies(event *models.Event, data map[string]any) {
	for _, policy := range e.snapshotPolicies() {
		if policy.Action == models.ActionBlock {
			continue
		}
		if !PolicyMatches(policy, data) {
			continue
		}
		switch policy.Action {
		case models.ActionAlert:
			alert := e.policyAlert(policy, event, false)
			if err := e.store.SaveAlert(alert); err != nil {
				log.Error().Err(err).Str("policy", policy.Name).Msg("Failed to save alert")
				continue
			}
			if err := e.store.IncrementSessionAlertCount(event.SessionID); err != nil {
				log.Error().Err(err).Msg("Failed to bump session alert count")
			}
			e.broadcast(alert)
			metrics.AlertsFired.WithLabelValues(string(models.ActionAlert)).Inc()
			log.Info().
				Str("policy", policy.Name).
				Str("severity", string(policy.Severity)).
				Msg("Generated alert")
		case models.ActionLog:
			metrics.AlertsFired.WithLabelValues(string(models.ActionLog)).Inc()
			log.Info().
				Str("policy", policy.Name).
				Str("event_id", event.ID.String()).
				Msg("Policy match logged")
		}
	}
}

func (e *Engine) evaluateSequences(event *models.Event, data map[string]any) {
	matches := e.tracker.TrackEvent(event.ID, event.SessionID, event.Timestamp, data)
	for _, match := range matches {
		rule := match.Rule
		alert := models.NewAlert(event.SessionID, rule.AlertTitle, rule.Severity)
		alert.ID = uuid.NewSHA1(alertIDNamespace, []byte(rule.ID+":"+event.SessionID))
		if alert.Title == "" {
			alert.Title = "Sequence: " + rule.Name
		}
		alert.Description = rule.AlertDescription
		if alert.Description == "" {
			alert.Description = rule.Description
		}
		alert.Category = event.Category
		alert.Tags = append(append([]string{}, rule.Tags...), "sequence-detection")

		for i, stepEvent := range match.Events {
			label := ""
			if i < len(rule.Steps) {
				label = rule.Steps[i].Label
			}
			alert.EventIDs = append(alert.EventIDs, stepEvent.EventID)
			alert.Evidence = append(alert.Evidence, models.AlertEvidence{
				EventID:     stepEvent.EventID,
				Timestamp:   stepEvent.Timestamp,
				Description: stepLabel(i, label),
				FilePath:    firstString(stepEvent.Data["file_paths"]),
				Command:     firstString(stepEvent.Data["commands"]),
				URL:         firstString(stepEvent.Data["urls"]),
			})
		}

		if err := e.store.SaveAlert(alert); err != nil {
			log.Error().Err(err).Str("rule", rule.ID).Msg("Failed to save sequence alert")
			continue
		}
		if err := e.store.IncrementSessionAlertCount(event.SessionID); err != nil {
			log.Error().Err(err).Msg("Failed to bump session alert count")
		}
		e.broadcast(alert)
		metrics.AlertsFired.WithLabelValues(string(rule.Action)).Inc()
		log.Warn().
			Str("rule", rule.ID).
			Str("name", rule.Name).
			Str("session_id", event.SessionID).
			Int("steps", len(match.Events)).
			Msg("Sequence alert")
	}
}

// policyAlert builds the alert a matching policy produces. The id is
// derived from (policy, event) so the same hit never duplicates.
func (e *Engine) policyAlert(policy *models.Policy, event *models.Event, blocked bool) *models.Alert {
	title := policy.AlertTitle
	if title == "" {
		if blocked {
			title = "Blocked: " + policy.Name
		} else {
			title = "Alert: " + policy.Name
		}
	}
	description := policy.AlertDescription
	if description == "" {
		description = policy.Description
	}

	alert := models.NewAlert(event.SessionID, title, policy.Severity)
	alert.ID = uuid.NewSHA1(alertIDNamespace, []byte(policy.ID.String()+":"+event.ID.String()))
	alert.Description = description
	alert.Category = event.Category
	pid := policy.ID
	alert.PolicyID = &pid
	alert.EventIDs = []uuid.UUID{event.ID}
	alert.Blocked = blocked
	alert.Tags = append([]string{}, policy.Tags...)
	alert.Metadata = map[string]any{"policy_name": policy.Name}

	evidenceDesc := "Matched policy: " + policy.Name
	if blocked {
		evidenceDesc = "Blocked by policy: " + policy.Name
	}
	alert.Evidence = []models.AlertEvidence{{
		EventID:     event.ID,
		Timestamp:   event.Timestamp,
		Description: evidenceDesc,
		FilePath:    first(event.FilePaths),
		Command:     first(event.Commands),
		URL:         first(event.URLs),
	}}
	return alert
}

func (e *Engine) broadcast(alert *models.Alert) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastAlert(alert)
	}
}

// reapStaleSessions periodically marks long-inactive sessions as ended.
func (e *Engine) reapStaleSessions(ctx context.Context) {
	ticker := time.NewTicker(staleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.CleanupStaleSessions(staleThresholdMinutes)
			if err != nil {
				log.Error().Err(err).Msg("Stale session cleanup failed")
				continue
			}
			if n > 0 {
				log.Info().Int("sessions", n).Msg("Marked stale sessions as ended")
			}
		}
	}
}

func first(items []string) string {
	if len(items) > 0 {
		return items[0]
	}
	return ""
}

func firstString(v any) string {
	for _, elem := range scalarValues(v) {
		return stringify(elem)
	}
	return ""
}

func stepLabel(i int, label string) string {
	return "Step " + strconv.Itoa(i+1) + ": " + label
}
