package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// tsLayout is fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Journal is an append-only SQLite copy of every cost record. The
// in-memory ledger stays authoritative; the journal lets totals survive
// restarts. All public methods are safe for concurrent use (SQLite
// serializes writes).
type Journal struct {
	db     *sql.DB
	closer bool
}

// OpenJournal opens or creates a journal database at dbPath.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger journal: %w", err)
	}
	j, err := NewJournal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.closer = true
	return j, nil
}

// NewJournal uses an existing database handle. The caller keeps
// ownership of db.
func NewJournal(db *sql.DB) (*Journal, error) {
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return j, nil
}

// Close closes the database if the journal opened it.
func (j *Journal) Close() error {
	if !j.closer {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cost_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		query_id      TEXT NOT NULL,
		session_id    TEXT,
		persona       TEXT,
		model         TEXT,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		components    TEXT NOT NULL,
		total         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cost_timestamp ON cost_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_cost_session ON cost_records(session_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append persists rec.
func (j *Journal) Append(ctx context.Context, rec CostRecord) error {
	comps, err := json.Marshal(rec.Components)
	if err != nil {
		return fmt.Errorf("encode cost components: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO cost_records
			(id, timestamp, query_id, session_id, persona, model,
			 input_tokens, output_tokens, components, total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.QueryID,
		rec.SessionID,
		rec.Persona,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		string(comps),
		rec.Total.String(),
	)
	if err != nil {
		return fmt.Errorf("insert cost record: %w", err)
	}
	return nil
}

// Records returns records with timestamps within [start, end), oldest
// first.
func (j *Journal) Records(ctx context.Context, start, end time.Time) ([]CostRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, timestamp, query_id, COALESCE(session_id, ''), COALESCE(persona, ''),
		        COALESCE(model, ''), input_tokens, output_tokens, components, total
		 FROM cost_records
		 WHERE timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query cost records: %w", err)
	}
	defer rows.Close()

	var out []CostRecord
	for rows.Next() {
		var (
			rec   CostRecord
			ts    string
			comps string
			total string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.QueryID, &rec.SessionID, &rec.Persona,
			&rec.Model, &rec.InputTokens, &rec.OutputTokens, &comps, &total); err != nil {
			return nil, fmt.Errorf("scan cost record: %w", err)
		}
		if rec.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(comps), &rec.Components); err != nil {
			return nil, fmt.Errorf("decode components of %s: %w", rec.ID, err)
		}
		if rec.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse total of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary returns aggregated totals for records within [start, end).
// Sums are computed in decimal, not by SQLite.
func (j *Journal) Summary(ctx context.Context, start, end time.Time) (Totals, error) {
	recs, err := j.Records(ctx, start, end)
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	for i := range recs {
		t.add(&recs[i])
	}
	return t, nil
}
