package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ally-agent/ally/internal/core/ports"
)

// Open connects through the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// TranscriptRepository persists per-thread turns. Transcripts are an audit
// trail, not conversational memory; the model runtime keeps its own context.
type TranscriptRepository struct {
	db *sql.DB
}

func NewTranscriptRepository(db *sql.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db}
}

func (r *TranscriptRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS thread_messages (
	id BIGSERIAL PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads (thread_id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thread_messages_thread_created
	ON thread_messages (thread_id, created_at)
`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *TranscriptRepository) EnsureThread(ctx context.Context, threadID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO threads (thread_id, created_at)
VALUES ($1, $2)
ON CONFLICT (thread_id) DO NOTHING
`, threadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	return nil
}

func (r *TranscriptRepository) AppendMessage(ctx context.Context, threadID, role, content string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO thread_messages (thread_id, role, content, created_at)
VALUES ($1, $2, $3, $4)
`, threadID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *TranscriptRepository) ListRecent(ctx context.Context, threadID string, limit int) ([]ports.TranscriptMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT thread_id, role, content
FROM thread_messages
WHERE thread_id = $1
ORDER BY created_at DESC
LIMIT $2
`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]ports.TranscriptMessage, 0, limit)
	for rows.Next() {
		var msg ports.TranscriptMessage
		if err := rows.Scan(&msg.ThreadID, &msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
