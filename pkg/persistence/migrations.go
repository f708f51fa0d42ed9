package persistence

import "fmt"

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "traces: memory traces with consolidation state",
		SQL: `
CREATE TABLE traces (
    id                       TEXT PRIMARY KEY,
    content                  TEXT NOT NULL,
    created_at               INTEGER NOT NULL,
    last_access_at           INTEGER NOT NULL,
    activation_times         BLOB,
    activation_strength      REAL NOT NULL DEFAULT 0,
    tier                     TEXT NOT NULL CHECK (tier IN ('working_memory', 'short_term', 'consolidating', 'long_term', 'pruned')),
    semantic_category        TEXT NOT NULL DEFAULT '',
    emotional_salience       REAL NOT NULL DEFAULT 0,
    co_activation_count      INTEGER NOT NULL DEFAULT 0,
    consolidated_strength    REAL NOT NULL DEFAULT 0,
    fate                     TEXT NOT NULL DEFAULT 'pending',
    synaptic_tag             INTEGER NOT NULL DEFAULT 0,
    metaplasticity_threshold REAL NOT NULL DEFAULT 0.5,
    summary                  BLOB,
    summary_attempts         INTEGER NOT NULL DEFAULT 0,
    last_update_at           INTEGER NOT NULL,
    version                  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_traces_tier        ON traces(tier);
CREATE INDEX idx_traces_last_access ON traces(last_access_at DESC);
`,
	},
	{
		Version:     2,
		Description: "links: latest synaptic link state per directed pair",
		SQL: `
CREATE TABLE links (
    pre_id              TEXT NOT NULL,
    post_id             TEXT NOT NULL,
    coactivation_count  INTEGER NOT NULL,
    avg_offset_ms       REAL NOT NULL,
    stdp_window         TEXT NOT NULL,
    stdp_factor         REAL NOT NULL,
    rule                TEXT NOT NULL,
    delta               REAL NOT NULL,
    tagged              INTEGER NOT NULL DEFAULT 0,
    tag_strength        REAL NOT NULL DEFAULT 0,
    scaled_delta        REAL NOT NULL,
    competition_rank    INTEGER NOT NULL,
    competition_factor  REAL NOT NULL,
    final_delta         REAL NOT NULL,
    batch_id            INTEGER NOT NULL,

    PRIMARY KEY (pre_id, post_id),
    FOREIGN KEY (pre_id)  REFERENCES traces(id) ON DELETE CASCADE,
    FOREIGN KEY (post_id) REFERENCES traces(id) ON DELETE CASCADE
);

CREATE INDEX idx_links_post ON links(post_id);
`,
	},
	{
		Version:     3,
		Description: "batches: committed consolidation batches",
		SQL: `
CREATE TABLE batches (
    id             INTEGER PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    rhythm         TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    committed_at   INTEGER NOT NULL,
    update_count   INTEGER NOT NULL,
    link_count     INTEGER NOT NULL,
    pruned_count   INTEGER NOT NULL
);

CREATE INDEX idx_batches_rhythm ON batches(rhythm);
`,
	},
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
