package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// FlagFilter narrows ListRedFlags.
type FlagFilter struct {
	EpicID         string
	TestID         string
	UnresolvedOnly bool
}

// InsertRedFlags persists flags, assigning ids and timestamps where missing.
// Proof is stored exactly as given.
func (db *DB) InsertRedFlags(flags []models.RedFlag) error {
	if len(flags) == 0 {
		return nil
	}
	return db.Transaction(func(tx *sql.Tx) error {
		return insertFlags(tx, flags)
	})
}

// ReplaceRedFlags resolves every unresolved flag of a test with the given
// note and inserts the new flags in the same transaction. Used when a test
// is re-detected after a new execution attempt.
func (db *DB) ReplaceRedFlags(testID string, flags []models.RedFlag, note string) error {
	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE red_flags SET resolved = 1, resolution_notes = ?
			WHERE test_id = ? AND resolved = 0
		`, note, testID)
		if err != nil {
			return fmt.Errorf("supersede red flags: %w", err)
		}
		return insertFlags(tx, flags)
	})
}

func insertFlags(tx *sql.Tx, flags []models.RedFlag) error {
	for i := range flags {
		f := &flags[i]
		if !f.Severity.Valid() {
			return fmt.Errorf("%w: red flag %q has severity %q", models.ErrInvalidInput, f.FlagType, f.Severity)
		}
		if f.TestID == "" || f.FlagType == "" {
			return fmt.Errorf("%w: red flag requires test id and type", models.ErrInvalidInput)
		}
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.DetectedAt.IsZero() {
			f.DetectedAt = time.Now()
		}
		_, err := tx.Exec(`
			INSERT INTO red_flags (id, epic_id, test_id, evidence_id, flag_type, severity, description, proof, detected_at, resolved, resolution_notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.EpicID, f.TestID, nullString(f.EvidenceID), f.FlagType, string(f.Severity), f.Description,
			nullJSON(f.Proof), formatTime(f.DetectedAt), boolInt(f.Resolved), nullString(f.ResolutionNotes))
		if err != nil {
			return fmt.Errorf("insert red flag %s: %w", f.FlagType, err)
		}
	}
	return nil
}

// ListRedFlags returns flags matching the filter, most severe first.
func (db *DB) ListRedFlags(filter FlagFilter) ([]models.RedFlag, error) {
	var (
		where []string
		args  []any
	)
	if filter.EpicID != "" {
		where = append(where, "epic_id = ?")
		args = append(args, filter.EpicID)
	}
	if filter.TestID != "" {
		where = append(where, "test_id = ?")
		args = append(args, filter.TestID)
	}
	if filter.UnresolvedOnly {
		where = append(where, "resolved = 0")
	}

	query := `
		SELECT id, epic_id, test_id, evidence_id, flag_type, severity, description, proof, detected_at, resolved, resolution_notes
		FROM red_flags`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE severity
		WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, detected_at`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list red flags: %w", err)
	}
	defer rows.Close()

	var flags []models.RedFlag
	for rows.Next() {
		var (
			f          models.RedFlag
			evidenceID sql.NullString
			severity   string
			proof      sql.NullString
			detectedAt string
			resolved   int
			notes      sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.EpicID, &f.TestID, &evidenceID, &f.FlagType, &severity, &f.Description,
			&proof, &detectedAt, &resolved, &notes); err != nil {
			return nil, fmt.Errorf("scan red flag: %w", err)
		}
		f.EvidenceID = evidenceID.String
		f.Severity = models.Severity(severity)
		if proof.Valid {
			f.Proof = json.RawMessage(proof.String)
		}
		f.DetectedAt, _ = parseTime(detectedAt)
		f.Resolved = resolved != 0
		f.ResolutionNotes = notes.String
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// UnresolvedRedFlags returns the unresolved flags of a test.
func (db *DB) UnresolvedRedFlags(testID string) ([]models.RedFlag, error) {
	return db.ListRedFlags(FlagFilter{TestID: testID, UnresolvedOnly: true})
}

// ResolveRedFlag marks a flag resolved. Only the resolution columns change;
// description and proof are left as detected.
func (db *DB) ResolveRedFlag(id, notes string) error {
	result, err := db.Exec(`
		UPDATE red_flags SET resolved = 1, resolution_notes = ? WHERE id = ?
	`, notes, id)
	if err != nil {
		return fmt.Errorf("resolve red flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("red flag %s: %w", id, ErrNotFound)
	}
	return nil
}
