package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/deehuihan/memelabel/internal/model"

	_ "modernc.org/sqlite"
)

// ExportResults flattens every participant record into export form,
// ordered by registration time.
func (s *Store) ExportResults() ([]model.ParticipantResult, error) {
	records, err := s.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAtMS < records[j].StartedAtMS
	})

	results := make([]model.ParticipantResult, 0, len(records))
	for _, rec := range records {
		results = append(results, model.ResultFromRecord(rec))
	}
	return results, nil
}

// ExportSQLite writes all participant records into a SQLite database with
// one row per participant and one row per labeled stimulus, the layout the
// study's offline analysis expects.
func (s *Store) ExportSQLite(dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return 0, fmt.Errorf("ping database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		participant_id TEXT PRIMARY KEY,
		current_filename TEXT NOT NULL,
		state TEXT NOT NULL,
		age TEXT,
		gender TEXT,
		user_agent TEXT,
		attention_passed BOOLEAN,
		email TEXT,
		participation BOOLEAN,
		started_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER,
		total_labels INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS image_labels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL,
		stimulus TEXT NOT NULL,
		label TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		normalized TEXT NOT NULL,
		meme_name TEXT NOT NULL,
		post_id INTEGER,
		recorded_at_ms INTEGER NOT NULL,
		FOREIGN KEY (participant_id) REFERENCES users(participant_id)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}

	records, err := s.ListRecords()
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin export transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		var email any
		var participation any
		if rec.Contact != nil {
			email = rec.Contact.Email
			participation = rec.Contact.Participation
		}
		_, err := tx.Exec(
			`INSERT INTO users (participant_id, current_filename, state, age, gender, user_agent,
			                    attention_passed, email, participation, started_at_ms, ended_at_ms, total_labels)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(participant_id) DO UPDATE SET
			   current_filename = excluded.current_filename,
			   state = excluded.state,
			   attention_passed = excluded.attention_passed,
			   email = excluded.email,
			   participation = excluded.participation,
			   ended_at_ms = excluded.ended_at_ms,
			   total_labels = excluded.total_labels`,
			rec.ParticipantID, rec.CurrentFilename, rec.State,
			rec.Demographics.Age, rec.Demographics.Gender, rec.Demographics.UserAgent,
			rec.AttentionPassed, email, participation,
			rec.StartedAtMS, rec.EndedAtMS, len(rec.Responses),
		)
		if err != nil {
			return 0, fmt.Errorf("insert user %s: %w", rec.ParticipantID, err)
		}

		if _, err := tx.Exec(`DELETE FROM image_labels WHERE participant_id = ?`, rec.ParticipantID); err != nil {
			return 0, fmt.Errorf("clear labels for %s: %w", rec.ParticipantID, err)
		}
		for _, resp := range rec.Responses {
			_, err := tx.Exec(
				`INSERT INTO image_labels (participant_id, stimulus, label, response_time_ms,
				                           normalized, meme_name, post_id, recorded_at_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.ParticipantID, resp.Stimulus, resp.Label, resp.ResponseTimeMS,
				resp.Normalized, resp.MemeName, resp.PostID, resp.RecordedAtMS,
			)
			if err != nil {
				return 0, fmt.Errorf("insert label for %s: %w", rec.ParticipantID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit export: %w", err)
	}
	slog.Info("exported records to sqlite", "path", dbPath, "participants", len(records))
	return len(records), nil
}

// CompletionStats counts participants per completion state, for the admin
// stats view.
type CompletionStats struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	GameCompleted int            `json:"game_completed"`
}

// Stats tallies the record directory by completion state.
func (s *Store) Stats() (CompletionStats, error) {
	records, err := s.ListRecords()
	if err != nil {
		return CompletionStats{}, err
	}
	stats := CompletionStats{ByState: make(map[string]int)}
	for _, rec := range records {
		stats.Total++
		stats.ByState[string(rec.State)]++
		if rec.Lifecycle.GameCompleted {
			stats.GameCompleted++
		}
	}
	return stats, nil
}
