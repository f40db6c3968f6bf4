package learning

// Migrate creates the necessary tables and indexes if they don't exist.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS learning_schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM learning_schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Learnings},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("INSERT INTO learning_schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Derived learnings are unique per flag type, test type and scope; the
// partial index leaves hand-written ones (empty flag type) unconstrained.
const migrationV1Learnings = `
CREATE TABLE IF NOT EXISTS learnings (
	id TEXT PRIMARY KEY,
	condition TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	flag_type TEXT NOT NULL DEFAULT '',
	test_type TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT 'global',
	source TEXT NOT NULL DEFAULT '',
	trigger_count INTEGER NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	last_triggered TEXT,
	created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_learnings_key
	ON learnings(flag_type, test_type, scope) WHERE flag_type != '';
CREATE INDEX IF NOT EXISTS idx_learnings_scope ON learnings(scope);
CREATE INDEX IF NOT EXISTS idx_learnings_trigger_count ON learnings(trigger_count DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
	condition,
	action,
	outcome,
	content='learnings',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS learnings_ai AFTER INSERT ON learnings BEGIN
	INSERT INTO learnings_fts(rowid, condition, action, outcome)
	VALUES (NEW.rowid, NEW.condition, NEW.action, NEW.outcome);
END;

CREATE TRIGGER IF NOT EXISTS learnings_ad AFTER DELETE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, condition, action, outcome)
	VALUES ('delete', OLD.rowid, OLD.condition, OLD.action, OLD.outcome);
END;

CREATE TRIGGER IF NOT EXISTS learnings_au AFTER UPDATE ON learnings BEGIN
	INSERT INTO learnings_fts(learnings_fts, rowid, condition, action, outcome)
	VALUES ('delete', OLD.rowid, OLD.condition, OLD.action, OLD.outcome);
	INSERT INTO learnings_fts(rowid, condition, action, outcome)
	VALUES (NEW.rowid, NEW.condition, NEW.action, NEW.outcome);
END;
`
