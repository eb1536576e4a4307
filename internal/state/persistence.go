package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// Persister saves and restores the current-value stores. Persistence is an
// optional convenience: the system is correct without it, records are
// rebuilt from config and the Snapcast snapshot on startup.
type Persister interface {
	LoadZoneStates() (map[int]ZoneState, error)
	LoadClientStates() (map[int]ClientState, error)
	SaveAll(zones map[int]ZoneState, clients map[int]ClientState) error
}

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// SQLitePersister stores records as JSON rows, one per index.
type SQLitePersister struct {
	reader *sql.DB
	writer *sql.DB
	logger *log.Logger
}

func NewSQLitePersister(dbPair DBPair, logger *log.Logger) *SQLitePersister {
	if logger == nil {
		logger = log.Default()
	}
	return &SQLitePersister{reader: dbPair.Reader(), writer: dbPair.Writer(), logger: logger}
}

func (p *SQLitePersister) LoadZoneStates() (map[int]ZoneState, error) {
	rows, err := p.reader.Query(`SELECT zone_index, state_json FROM zone_states`)
	if err != nil {
		return nil, fmt.Errorf("load zone states: %w", err)
	}
	defer rows.Close()

	out := make(map[int]ZoneState)
	for rows.Next() {
		var index int
		var raw string
		if err := rows.Scan(&index, &raw); err != nil {
			return nil, err
		}
		var s ZoneState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			p.logger.Printf("STATE: zone %d: skipping undecodable row: %v", index, err)
			continue
		}
		out[index] = s
	}
	return out, rows.Err()
}

func (p *SQLitePersister) LoadClientStates() (map[int]ClientState, error) {
	rows, err := p.reader.Query(`SELECT client_index, state_json FROM client_states`)
	if err != nil {
		return nil, fmt.Errorf("load client states: %w", err)
	}
	defer rows.Close()

	out := make(map[int]ClientState)
	for rows.Next() {
		var index int
		var raw string
		if err := rows.Scan(&index, &raw); err != nil {
			return nil, err
		}
		var s ClientState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			p.logger.Printf("STATE: client %d: skipping undecodable row: %v", index, err)
			continue
		}
		out[index] = s
	}
	return out, rows.Err()
}

// SaveAll flushes both stores in one transaction.
func (p *SQLitePersister) SaveAll(zones map[int]ZoneState, clients map[int]ClientState) error {
	tx, err := p.writer.Begin()
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	zoneStmt, err := tx.Prepare(`
		INSERT INTO zone_states (zone_index, state_json, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(zone_index) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer zoneStmt.Close()

	for index, s := range zones {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode zone %d: %w", index, err)
		}
		if _, err := zoneStmt.Exec(index, string(raw)); err != nil {
			return fmt.Errorf("save zone %d: %w", index, err)
		}
	}

	clientStmt, err := tx.Prepare(`
		INSERT INTO client_states (client_index, state_json, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(client_index) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer clientStmt.Close()

	for index, s := range clients {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode client %d: %w", index, err)
		}
		if _, err := clientStmt.Exec(index, string(raw)); err != nil {
			return fmt.Errorf("save client %d: %w", index, err)
		}
	}

	return tx.Commit()
}
