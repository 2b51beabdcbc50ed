package state

import (
	"fmt"

	"github.com/droverhq/drover/pkg/models"
)

// AppendTranscript records one transcript entry for a session. Entries are
// immutable; there is no update or delete short of session cleanup.
func (db *DB) AppendTranscript(sessionID string, e models.TranscriptEntry) error {
	_, err := db.Exec(`
		INSERT INTO transcripts (id, session_id, ts, role, content)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, sessionID, formatTime(e.Timestamp), string(e.Role), e.Content)
	if err != nil {
		return fmt.Errorf("append transcript for %s: %w", sessionID, err)
	}
	return nil
}

// Transcript returns up to limit entries for a session in chronological
// order. A limit of 0 returns everything.
func (db *DB) Transcript(sessionID string, limit int) ([]models.TranscriptEntry, error) {
	query := "SELECT id, ts, role, content FROM transcripts WHERE session_id = ? ORDER BY ts"
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load transcript for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []models.TranscriptEntry
	for rows.Next() {
		var (
			e        models.TranscriptEntry
			ts, role string
		)
		if err := rows.Scan(&e.ID, &ts, &role, &e.Content); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.Role = models.TranscriptRole(role)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteTranscript removes all entries for a session. Called by the
// session cleanup sweep.
func (db *DB) DeleteTranscript(sessionID string) error {
	if _, err := db.Exec("DELETE FROM transcripts WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete transcript for %s: %w", sessionID, err)
	}
	return nil
}
