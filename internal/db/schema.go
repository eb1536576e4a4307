package db

const schemaSQL = `
-- ===========================================================================
-- STATE SNAPSHOTS (zone and client current values, flushed periodically)
-- ===========================================================================

CREATE TABLE IF NOT EXISTS zone_states (
  zone_index INTEGER PRIMARY KEY,
  state_json TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS client_states (
  client_index INTEGER PRIMARY KEY,
  state_json TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- ===========================================================================
-- COMMAND AUDIT (one row per north-bound command)
-- ===========================================================================

CREATE TABLE IF NOT EXISTS command_audit (
  id TEXT PRIMARY KEY,
  occurred_at TEXT NOT NULL DEFAULT (datetime('now')),
  origin TEXT NOT NULL,
  target TEXT NOT NULL,
  command TEXT NOT NULL,
  detail TEXT,
  outcome TEXT NOT NULL,
  error_kind TEXT,
  request_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_command_audit_occurred ON command_audit(occurred_at);
CREATE INDEX IF NOT EXISTS idx_command_audit_target ON command_audit(target, occurred_at);
`
