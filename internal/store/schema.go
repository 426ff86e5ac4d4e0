package store

import (
	"fmt"
	"strings"
	"time"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	cwd TEXT,
	parent_session_id TEXT,
	event_count INTEGER NOT NULL DEFAULT 0,
	alert_count INTEGER NOT NULL DEFAULT 0,
	risk_score INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	endpoint_hostname TEXT,
	endpoint_user TEXT,
	session_source TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	hook_type TEXT NOT NULL,
	tool_name TEXT,
	tool_input TEXT,
	tool_result TEXT,
	category TEXT NOT NULL DEFAULT 'unknown',
	severity TEXT NOT NULL DEFAULT 'info',
	file_paths TEXT NOT NULL DEFAULT '[]',
	commands TEXT NOT NULL DEFAULT '[]',
	urls TEXT NOT NULL DEFAULT '[]',
	ip_addresses TEXT NOT NULL DEFAULT '[]',
	processed INTEGER NOT NULL DEFAULT 0,
	enriched INTEGER NOT NULL DEFAULT 0,
	raw_payload TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_hook_type ON events(hook_type);
CREATE INDEX IF NOT EXISTS idx_events_tool_name ON events(tool_name);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
CREATE INDEX IF NOT EXISTS idx_events_processed ON events(processed);

CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	severity TEXT NOT NULL DEFAULT 'medium',
	category TEXT NOT NULL DEFAULT 'unknown',
	status TEXT NOT NULL DEFAULT 'new',
	policy_id TEXT REFERENCES policies(id) ON DELETE SET NULL,
	event_ids TEXT NOT NULL DEFAULT '[]',
	evidence TEXT NOT NULL DEFAULT '[]',
	blocked INTEGER NOT NULL DEFAULT 0,
	action_taken TEXT,
	assigned_to TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_alerts_session_id ON alerts(session_id);
CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
CREATE INDEX IF NOT EXISTS idx_alerts_policy_id ON alerts(policy_id);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	categories TEXT NOT NULL DEFAULT '[]',
	tools TEXT NOT NULL DEFAULT '[]',
	conditions TEXT NOT NULL DEFAULT '[]',
	condition_logic TEXT NOT NULL DEFAULT 'all',
	action TEXT NOT NULL DEFAULT 'alert',
	severity TEXT NOT NULL DEFAULT 'medium',
	alert_title TEXT,
	alert_description TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	metadata TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policies_name ON policies(name);
CREATE INDEX IF NOT EXISTS idx_policies_enabled ON policies(enabled);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id TEXT PRIMARY KEY,
	node_type TEXT NOT NULL,
	value TEXT NOT NULL,
	label TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 1,
	alert_count INTEGER NOT NULL DEFAULT 0,
	session_ids TEXT NOT NULL DEFAULT '[]',
	event_ids TEXT NOT NULL DEFAULT '[]',
	size INTEGER NOT NULL DEFAULT 1,
	metadata TEXT,
	UNIQUE(node_type, value)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(node_type);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_last_seen ON graph_nodes(last_seen);

CREATE TABLE IF NOT EXISTS graph_edges (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 1,
	weight INTEGER NOT NULL DEFAULT 1,
	session_ids TEXT NOT NULL DEFAULT '[]',
	event_ids TEXT NOT NULL DEFAULT '[]',
	metadata TEXT,
	UNIQUE(source_id, target_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_id);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// migrations is the additive column list applied on every boot. Each entry
// is guarded so "duplicate column name" is not an error.
var migrations = []string{
	`ALTER TABLE sessions ADD COLUMN endpoint_hostname TEXT`,
	`ALTER TABLE sessions ADD COLUMN endpoint_user TEXT`,
	`ALTER TABLE sessions ADD COLUMN session_source TEXT`,
	`ALTER TABLE sessions ADD COLUMN risk_score INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE alerts ADD COLUMN assigned_to TEXT`,
	`ALTER TABLE alerts ADD COLUMN metadata TEXT`,
	`ALTER TABLE policies ADD COLUMN metadata TEXT`,
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("apply migration %q: %w", stmt, err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		fmtTime(time.Now()),
	)
	return err
}
