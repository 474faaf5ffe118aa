// Package history provides the durable log of finalized sessions with
// privacy-gated user-message retention and derived statistics.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/feedback-bridge/backend/internal/model"
)

// Config bounds the aggregator. Both rules are advisory: size is applied
// first, then age; stored entries themselves are never mutated.
type Config struct {
	Limit          int
	RetentionHours int
}

// Aggregator is an append-only, capped log of finalized sessions backed by
// SQLite.
type Aggregator struct {
	db  *sql.DB
	cfg Config
}

// NewAggregator creates an Aggregator on an initialized database.
func NewAggregator(db *sql.DB, cfg Config) *Aggregator {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 72
	}
	return &Aggregator{db: db, cfg: cfg}
}

// Append records a finalized session. An entry with a session id already
// present is merged: its user messages are combined with the stored ones,
// deduplicated by timestamp. Appending also applies the size and age caps.
func (a *Aggregator) Append(entry model.HistoryEntry) error {
	ctx := context.Background()

	existing, err := a.get(ctx, entry.SessionID)
	if err != nil && err != model.ErrEntryNotFound {
		return err
	}
	if err == nil {
		entry.UserMessages = mergeMessages(existing.UserMessages, entry.UserMessages)
	}

	messagesJSON, err := json.Marshal(entry.UserMessages)
	if err != nil {
		return fmt.Errorf("failed to serialize user messages: %w", err)
	}

	query := `
		INSERT INTO history (session_id, status, summary, project_directory, error_reason,
			created_at, completed_at, duration_seconds, privacy_level, user_messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			user_messages = excluded.user_messages
	`

	_, err = a.db.ExecContext(ctx, query,
		entry.SessionID,
		entry.Status,
		entry.Summary,
		entry.ProjectDirectory,
		entry.ErrorReason,
		entry.CreatedAt,
		entry.CompletedAt,
		entry.DurationSeconds,
		entry.PrivacyLevel,
		string(messagesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return a.prune(ctx)
}

// mergeMessages combines two message lists, deduplicating by timestamp and
// keeping chronological order.
func mergeMessages(a, b []model.UserMessage) []model.UserMessage {
	seen := make(map[int64]bool, len(a)+len(b))
	var merged []model.UserMessage
	for _, msg := range append(append([]model.UserMessage{}, a...), b...) {
		key := msg.Timestamp.UnixNano()
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, msg)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

// prune enforces the size cap, then the retention window.
func (a *Aggregator) prune(ctx context.Context) error {
	sizeQuery := `
		DELETE FROM history WHERE session_id NOT IN (
			SELECT session_id FROM history ORDER BY completed_at DESC LIMIT ?
		)
	`
	if _, err := a.db.ExecContext(ctx, sizeQuery, a.cfg.Limit); err != nil {
		return fmt.Errorf("failed to prune history by size: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(a.cfg.RetentionHours) * time.Hour)
	if _, err := a.db.ExecContext(ctx, `DELETE FROM history WHERE completed_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune history by age: %w", err)
	}

	return nil
}

func (a *Aggregator) get(ctx context.Context, sessionID string) (*model.HistoryEntry, error) {
	query := `
		SELECT session_id, status, summary, project_directory, error_reason,
			created_at, completed_at, duration_seconds, privacy_level, user_messages
		FROM history
		WHERE session_id = ?
	`
	return scanEntry(a.db.QueryRowContext(ctx, query, sessionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.HistoryEntry, error) {
	entry := &model.HistoryEntry{}
	var projectDir, errorReason sql.NullString
	var messagesJSON sql.NullString

	err := row.Scan(
		&entry.SessionID,
		&entry.Status,
		&entry.Summary,
		&projectDir,
		&errorReason,
		&entry.CreatedAt,
		&entry.CompletedAt,
		&entry.DurationSeconds,
		&entry.PrivacyLevel,
		&messagesJSON,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan history entry: %w", err)
	}

	if projectDir.Valid {
		entry.ProjectDirectory = projectDir.String
	}
	if errorReason.Valid {
		entry.ErrorReason = errorReason.String
	}
	if messagesJSON.Valid && messagesJSON.String != "" && messagesJSON.String != "null" {
		if err := json.Unmarshal([]byte(messagesJSON.String), &entry.UserMessages); err != nil {
			return nil, fmt.Errorf("failed to parse user messages: %w", err)
		}
	}

	return entry, nil
}

// Get retrieves one entry by session id.
func (a *Aggregator) Get(ctx context.Context, sessionID string) (*model.HistoryEntry, error) {
	return a.get(ctx, sessionID)
}

// List returns all entries, newest first.
func (a *Aggregator) List(ctx context.Context) ([]model.HistoryEntry, error) {
	query := `
		SELECT session_id, status, summary, project_directory, error_reason,
			created_at, completed_at, duration_seconds, privacy_level, user_messages
		FROM history
		ORDER BY completed_at DESC
	`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return entries, nil
}

// ExportAll serializes every entry to JSON, newest first.
func (a *Aggregator) ExportAll(ctx context.Context) ([]byte, error) {
	entries, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}

// ExportOne serializes one entry to JSON.
func (a *Aggregator) ExportOne(ctx context.Context, sessionID string) ([]byte, error) {
	entry, err := a.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entry, "", "  ")
}

// Import appends previously exported entries. Accepts either a single entry
// object or an array of entries.
func (a *Aggregator) Import(data []byte) error {
	var entries []model.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var one model.HistoryEntry
		if err := json.Unmarshal(data, &one); err != nil {
			return fmt.Errorf("failed to parse history export: %w", err)
		}
		entries = []model.HistoryEntry{one}
	}
	for _, entry := range entries {
		if err := a.Append(entry); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll removes every entry.
func (a *Aggregator) ClearAll(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// ClearOne removes one entry by session id.
func (a *Aggregator) ClearOne(ctx context.Context, sessionID string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear history entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return model.ErrEntryNotFound
	}
	return nil
}

// Stats are the derived statistics for the current day.
type Stats struct {
	SessionsToday      int     `json:"sessions_today"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// StatsToday returns the count of sessions created today and the average
// duration of today's completed sessions (0 when none).
func (a *Aggregator) StatsToday(ctx context.Context) (*Stats, error) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats := &Stats{}
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history WHERE created_at >= ?`, dayStart,
	).Scan(&stats.SessionsToday)
	if err != nil {
		return nil, fmt.Errorf("failed to count today's sessions: %w", err)
	}

	var avg sql.NullFloat64
	err = a.db.QueryRowContext(ctx,
		`SELECT AVG(duration_seconds) FROM history WHERE created_at >= ? AND status = ?`,
		dayStart, model.SessionStatusCompleted,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average today's durations: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationSeconds = avg.Float64
	}

	return stats, nil
}
