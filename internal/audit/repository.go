// Package audit persists one row per north-bound command so operators can
// answer "who changed this zone and when" across every protocol surface.
package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeDenied = "denied"
)

// Entry is one recorded command.
type Entry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurredAt"`
	Origin     string         `json:"origin"`
	Target     string         `json:"target"`
	Command    string         `json:"command"`
	Detail     map[string]any `json:"detail"`
	Outcome    string         `json:"outcome"`
	ErrorKind  *string        `json:"errorKind,omitempty"`
	RequestID  *string        `json:"requestId,omitempty"`
}

// RecordInput contains the fields for recording a command.
type RecordInput struct {
	Origin    string         `json:"origin"`
	Target    string         `json:"target"`
	Command   string         `json:"command"`
	Detail    map[string]any `json:"detail,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	ErrorKind *string        `json:"errorKind,omitempty"`
	RequestID *string        `json:"requestId,omitempty"`
}

// QueryFilters narrows a listing; zero values mean "any".
type QueryFilters struct {
	Origin  *string `json:"origin,omitempty"`
	Target  *string `json:"target,omitempty"`
	Command *string `json:"command,omitempty"`
	Outcome *string `json:"outcome,omitempty"`
	Start   *string `json:"start,omitempty"` // ISO 8601
	End     *string `json:"end,omitempty"`   // ISO 8601
	Limit   int     `json:"limit,omitempty"`
	Offset  int     `json:"offset,omitempty"`
}

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// Repository handles database operations for the command audit trail.
// Uses separate reader/writer connections for optimal SQLite concurrency.
type Repository struct {
	reader *sql.DB
	writer *sql.DB
}

func NewRepository(dbPair DBPair) *Repository {
	return &Repository{reader: dbPair.Reader(), writer: dbPair.Writer()}
}

// Insert writes a new entry. Generates the id, captures the timestamp and
// defaults the outcome to ok.
func (r *Repository) Insert(input RecordInput) (*Entry, error) {
	id := uuid.New().String()
	occurredAt := time.Now().UTC().Format(time.RFC3339)

	outcome := input.Outcome
	if outcome == "" {
		outcome = OutcomeOK
	}

	detail := input.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}

	_, err = r.writer.Exec(`
		INSERT INTO command_audit (id, occurred_at, origin, target, command, detail, outcome, error_kind, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, occurredAt, input.Origin, input.Target, input.Command, string(detailJSON), outcome, input.ErrorKind, input.RequestID)
	if err != nil {
		return nil, err
	}

	return r.Get(id)
}

// Get retrieves a single entry by id. Returns nil, nil when not found.
func (r *Repository) Get(id string) (*Entry, error) {
	row := r.reader.QueryRow(`
		SELECT id, occurred_at, origin, target, command, detail, outcome, error_kind, request_id
		FROM command_audit
		WHERE id = ?
	`, id)

	entry, err := scanEntry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// Query retrieves entries matching the filters, newest first, with the
// total count for pagination.
func (r *Repository) Query(filters QueryFilters) ([]Entry, int, error) {
	whereClause, args := buildWhereClause(filters)

	var total int
	if err := r.reader.QueryRow("SELECT COUNT(*) FROM command_audit "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, occurred_at, origin, target, command, detail, outcome, error_kind, request_id
		FROM command_audit
		` + whereClause + `
		ORDER BY occurred_at DESC, id
		LIMIT ? OFFSET ?
	`
	rows, err := r.reader.Query(query, append(args, limit, filters.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// Prune deletes entries older than the cutoff. Returns rows deleted.
func (r *Repository) Prune(cutoff time.Time) (int64, error) {
	result, err := r.writer.Exec(`
		DELETE FROM command_audit
		WHERE occurred_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneOlderThan deletes entries older than retentionDays.
func (r *Repository) PruneOlderThan(retentionDays int) (int64, error) {
	return r.Prune(time.Now().UTC().AddDate(0, 0, -retentionDays))
}

func buildWhereClause(filters QueryFilters) (string, []any) {
	conditions := []string{}
	args := []any{}

	if filters.Origin != nil {
		conditions = append(conditions, "origin = ?")
		args = append(args, *filters.Origin)
	}
	if filters.Target != nil {
		conditions = append(conditions, "target = ?")
		args = append(args, *filters.Target)
	}
	if filters.Command != nil {
		conditions = append(conditions, "command = ?")
		args = append(args, *filters.Command)
	}
	if filters.Outcome != nil {
		conditions = append(conditions, "outcome = ?")
		args = append(args, *filters.Outcome)
	}
	if filters.Start != nil {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, *filters.Start)
	}
	if filters.End != nil {
		conditions = append(conditions, "occurred_at <= ?")
		args = append(args, *filters.End)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}
	return whereClause, args
}

func scanEntry(scan func(dest ...any) error) (*Entry, error) {
	var entry Entry
	var occurredAt string
	var detailJSON string
	var errorKind sql.NullString
	var requestID sql.NullString

	err := scan(
		&entry.ID,
		&occurredAt,
		&entry.Origin,
		&entry.Target,
		&entry.Command,
		&detailJSON,
		&entry.Outcome,
		&errorKind,
		&requestID,
	)
	if err != nil {
		return nil, err
	}

	entry.OccurredAt, err = time.Parse(time.RFC3339, occurredAt)
	if err != nil {
		entry.OccurredAt, _ = time.Parse("2006-01-02 15:04:05", occurredAt)
	}
	if errorKind.Valid {
		entry.ErrorKind = &errorKind.String
	}
	if requestID.Valid {
		entry.RequestID = &requestID.String
	}
	if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
		return nil, err
	}
	return &entry, nil
}
