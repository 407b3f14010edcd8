// Package runstore archives completed review runs in SQLite. Only the final
// response envelope is persisted; raw backend query results never touch
// disk.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/evidence-review/internal/review"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id              TEXT PRIMARY KEY,
	question            TEXT NOT NULL,
	identified          INTEGER NOT NULL DEFAULT 0,
	included            INTEGER NOT NULL DEFAULT 0,
	with_extracted_data INTEGER NOT NULL DEFAULT 0,
	input_tokens        INTEGER NOT NULL DEFAULT 0,
	output_tokens       INTEGER NOT NULL DEFAULT 0,
	llm_calls           INTEGER NOT NULL DEFAULT 0,
	mock_data           INTEGER NOT NULL DEFAULT 0,
	incomplete          INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	envelope            TEXT NOT NULL
);
`

type Store struct {
	db *sqlx.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RunSummary is the listing row; the full envelope stays in the blob column.
type RunSummary struct {
	RunID             string    `db:"run_id" json:"run_id"`
	Question          string    `db:"question" json:"question"`
	Identified        int       `db:"identified" json:"identified"`
	Included          int       `db:"included" json:"included"`
	WithExtractedData int       `db:"with_extracted_data" json:"with_extracted_data"`
	InputTokens       int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens      int64     `db:"output_tokens" json:"output_tokens"`
	LLMCalls          int64     `db:"llm_calls" json:"llm_calls"`
	MockData          bool      `db:"mock_data" json:"mock_data"`
	Incomplete        bool      `db:"incomplete" json:"incomplete"`
	CreatedAt         time.Time `db:"-" json:"created_at"`
	CreatedAtRaw      string    `db:"created_at" json:"-"`
}

func (s *Store) Save(env review.ResponseEnvelope) error {
	if env.RunID == "" {
		return fmt.Errorf("envelope missing run_id")
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO runs
		(run_id, question, identified, included, with_extracted_data,
		 input_tokens, output_tokens, llm_calls, mock_data, incomplete,
		 created_at, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.RunID, env.Question,
		env.Prisma.Identified, env.Prisma.Included, env.Prisma.WithExtractedData,
		env.Usage.InputTokens, env.Usage.OutputTokens, env.Usage.Calls,
		boolToInt(env.Metadata.MockData), boolToInt(env.Metadata.Incomplete),
		time.Now().UTC().Format(time.RFC3339), string(blob))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) Get(runID string) (review.ResponseEnvelope, error) {
	var blob string
	err := s.db.Get(&blob, `SELECT envelope FROM runs WHERE run_id = ?`, runID)
	if err == sql.ErrNoRows {
		return review.ResponseEnvelope{}, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return review.ResponseEnvelope{}, fmt.Errorf("select run: %w", err)
	}
	var env review.ResponseEnvelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return review.ResponseEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// List returns the most recent runs first.
func (s *Store) List(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows := []RunSummary{}
	err := s.db.Select(&rows, `SELECT run_id, question, identified, included,
		with_extracted_data, input_tokens, output_tokens, llm_calls,
		mock_data, incomplete, created_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range rows {
		if t, err := time.Parse(time.RFC3339, rows[i].CreatedAtRaw); err == nil {
			rows[i].CreatedAt = t
		}
	}
	return rows, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
