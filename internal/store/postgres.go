package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores calls in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and runs migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) CreateCall(ctx context.Context, c Call) error {
	transcript, err := marshalEntries(c.Transcript)
	if err != nil {
		return err
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = "in-progress"
	}
	if c.Persona == "" {
		c.Persona = "default"
	}
	if c.Target == "" {
		c.Target = "unknown"
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO calls (id, status, started_at, persona, target, transcript)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Status, c.StartedAt, c.Persona, c.Target, transcript)
	if err != nil {
		return fmt.Errorf("create call %s: %w", c.ID, err)
	}
	return nil
}

// AppendTranscript upserts the call row and appends entries to its JSONB
// transcript in a single statement.
func (p *Postgres) AppendTranscript(ctx context.Context, callID string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	transcript, err := marshalEntries(entries)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO calls (id, status, started_at, transcript)
		VALUES ($1, 'in-progress', now(), $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET transcript = calls.transcript || EXCLUDED.transcript`,
		callID, transcript)
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", callID, err)
	}
	return nil
}

func (p *Postgres) MarkCallEnded(ctx context.Context, callID string, endedAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE calls
		SET status = 'ended',
		    ended_at = $2::timestamptz,
		    duration = GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - started_at)))::int
		WHERE id = $1`,
		callID, endedAt.UTC())
	if err != nil {
		return fmt.Errorf("mark call ended %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (Call, error) {
	var (
		c   Call
		raw []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, status, persona, target, recording_url, created_at, started_at, ended_at, duration, transcript
		FROM calls WHERE id = $1`, callID).
		Scan(&c.ID, &c.Status, &c.Persona, &c.Target, &c.RecordingURL, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.Duration, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, ErrCallNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call %s: %w", callID, err)
	}
	if err := json.Unmarshal(raw, &c.Transcript); err != nil {
		return Call{}, fmt.Errorf("decode transcript %s: %w", callID, err)
	}
	return c, nil
}

func (p *Postgres) SetRecordingURL(ctx context.Context, callID, url string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE calls SET recording_url = $2 WHERE id = $1`, callID, url)
	if err != nil {
		return fmt.Errorf("set recording url %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (p *Postgres) InsertEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_events (id, call_id, timestamp, epoch, time_into_call, type, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.CallID, e.Timestamp.UTC(), e.Timestamp.Unix(), e.TimeIntoCall, e.Type, e.Description)
	if err != nil {
		return fmt.Errorf("insert event for %s: %w", e.CallID, err)
	}
	return nil
}

func (p *Postgres) InsertScore(ctx context.Context, s Score) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_scores (id, call_id, timestamp, epoch, politeness_score)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.CallID, s.Timestamp.UTC(), s.Timestamp.Unix(), s.Politeness)
	if err != nil {
		return fmt.Errorf("insert score for %s: %w", s.CallID, err)
	}
	return nil
}

func marshalEntries(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return b, nil
}
