package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
)

// Schema is the SQL DDL for the transcripts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    text        TEXT NOT NULL,
    language    TEXT NOT NULL DEFAULT '',
    provider    TEXT NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ns BIGINT NOT NULL DEFAULT 0,
    segments    JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, created_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
// Segment timings are serialised as JSONB.
type PostgresStore struct {
	db DB

	// pool is set when the store was opened via [Connect] and owns the
	// underlying connections. Stores built with [NewPostgresStore] leave
	// connection lifecycle to the caller.
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on top of an existing database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries, and for closing db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [PostgresStore.Migrate]. The returned
// store owns the pool; release it with [PostgresStore.Close].
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}

	store := &PostgresStore{db: pool, pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate executes the [Schema] DDL against the database, creating the
// transcripts table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Save implements [Store.Save].
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	fillDefaults(rec)

	segmentsJSON, err := json.Marshal(segmentsToJSON(rec.Segments))
	if err != nil {
		return fmt.Errorf("transcript: marshal segments: %w", err)
	}

	const query = `
		INSERT INTO transcripts (
			id, session_id, text, language, provider,
			confidence, duration_ns, segments, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		rec.ID, rec.SessionID, rec.Text, rec.Language, rec.Provider,
		rec.Confidence, rec.Duration.Nanoseconds(), segmentsJSON, rec.CreatedAt,
	).Scan(&rec.CreatedAt)
	if err != nil {
		// DO NOTHING suppresses the RETURNING row on a duplicate ID; the
		// record was already saved.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("transcript: save: %w", err)
	}
	return nil
}

// BySession implements [Store.BySession]. Records are returned newest first.
func (s *PostgresStore) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	const query = `
		SELECT id, session_id, text, language, provider,
		       confidence, duration_ns, segments, created_at
		FROM transcripts
		WHERE session_id = $1
		ORDER BY created_at DESC, id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: by session: %w", err)
	}
	return collectRecords(rows)
}

// Close implements [Store.Close]. It releases the connection pool when the
// store was opened via [Connect] and is a no-op otherwise.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// collectRecords scans pgx rows into a slice of Record values.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			rec          Record
			durationNS   int64
			segmentsJSON []byte
		)
		if err := row.Scan(
			&rec.ID, &rec.SessionID, &rec.Text, &rec.Language, &rec.Provider,
			&rec.Confidence, &durationNS, &segmentsJSON, &rec.CreatedAt,
		); err != nil {
			return Record{}, err
		}
		rec.Duration = time.Duration(durationNS)

		var segs []segmentJSON
		if err := json.Unmarshal(segmentsJSON, &segs); err != nil {
			return Record{}, fmt.Errorf("unmarshal segments: %w", err)
		}
		rec.Segments = segmentsFromJSON(segs)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: scan rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// segmentJSON is the JSONB representation of one [asr.Segment]. Timings
// are stored as nanoseconds to round-trip [time.Duration] exactly.
type segmentJSON struct {
	ID         int     `json:"id"`
	Text       string  `json:"text"`
	StartNS    int64   `json:"start_ns"`
	EndNS      int64   `json:"end_ns"`
	Confidence float64 `json:"confidence,omitempty"`
}

// segmentsToJSON converts engine segments to their JSONB form. A nil slice
// becomes an empty non-nil one so marshalling produces "[]" instead of "null".
func segmentsToJSON(segs []asr.Segment) []segmentJSON {
	out := make([]segmentJSON, 0, len(segs))
	for _, seg := range segs {
		out = append(out, segmentJSON{
			ID:         seg.ID,
			Text:       seg.Text,
			StartNS:    seg.Start.Nanoseconds(),
			EndNS:      seg.End.Nanoseconds(),
			Confidence: seg.Confidence,
		})
	}
	return out
}

// segmentsFromJSON converts stored JSONB segments back to engine segments.
// An empty stored list yields nil, matching an engine that reported none.
func segmentsFromJSON(segs []segmentJSON) []asr.Segment {
	if len(segs) == 0 {
		return nil
	}
	out := make([]asr.Segment, 0, len(segs))
	for _, seg := range segs {
		out = append(out, asr.Segment{
			ID:         seg.ID,
			Text:       seg.Text,
			Start:      time.Duration(seg.StartNS),
			End:        time.Duration(seg.EndNS),
			Confidence: seg.Confidence,
		})
	}
	return out
}
