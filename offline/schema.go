package offline

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;
PRAGMA temp_store = MEMORY;
`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS offline_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  token TEXT NOT NULL,
  name TEXT NOT NULL,
  latency INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  payload BLOB NOT NULL,
  stored_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_offline_events_stored_at ON offline_events(stored_at);
`
