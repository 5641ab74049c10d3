package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  state TEXT NOT NULL CHECK (state IN ('IDLE','SPAWNED','RUNNING','PAUSED','TERMINATED','ERROR')),
  config TEXT,
  spawned_at TEXT NOT NULL,
  last_heartbeat TEXT,
  metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);

CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','PAUSED','COMPLETED','FAILED','CANCELLED')),
  progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
  params TEXT,
  checkpoint_data TEXT,
  result_data TEXT,
  error_message TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_jobs_agent_status ON jobs(agent_id, status);

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  correlation_id TEXT,
  type TEXT NOT NULL,
  source TEXT,
  payload TEXT,
  level TEXT NOT NULL CHECK (level IN ('INFO','WARN','ERROR','CRITICAL','DEBUG')),
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(type, created_at);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);

CREATE TABLE IF NOT EXISTS decisions (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  type TEXT NOT NULL,
  context_data TEXT,
  options TEXT,
  status TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','REJECTED','EXPIRED')),
  selected_option TEXT,
  approver_id TEXT,
  created_at TEXT NOT NULL,
  expires_at TEXT,
  FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_decisions_job_status ON decisions(job_id, status);

CREATE TABLE IF NOT EXISTS memory_store (
  agent_name TEXT NOT NULL,
  key TEXT NOT NULL,
  value TEXT,
  created_at TEXT NOT NULL,
  ttl_seconds INTEGER,
  access_count INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(agent_name, key)
);
`
