package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cleanstream/internal/pipeline"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlWindowReports = `
CREATE TABLE IF NOT EXISTS window_reports (
    id              BIGSERIAL    PRIMARY KEY,
    stream          TEXT         NOT NULL,
    recorded_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    generation      BIGINT       NOT NULL,
    host_timestamp  BIGINT       NOT NULL,
    frames          INTEGER      NOT NULL,
    window_frames   INTEGER      NOT NULL,
    overlap_ms      INTEGER      NOT NULL,
    duration_ms     BIGINT       NOT NULL,
    outcome         TEXT         NOT NULL,
    speech          BOOLEAN      NOT NULL,
    boundary        BOOLEAN      NOT NULL,
    energy          DOUBLE PRECISION NOT NULL,
    text            TEXT         NOT NULL DEFAULT '',
    avg_probability DOUBLE PRECISION NOT NULL DEFAULT 0,
    filler          BOOLEAN      NOT NULL,
    error           TEXT         NOT NULL DEFAULT ''
);

ALTER TABLE window_reports
    ADD COLUMN IF NOT EXISTS interjections TEXT[] NOT NULL DEFAULT '{}';

CREATE INDEX IF NOT EXISTS idx_window_reports_stream_time
    ON window_reports (stream, recorded_at);

CREATE INDEX IF NOT EXISTS idx_window_reports_filler
    ON window_reports (stream) WHERE filler;
`

var reportColumns = []string{
	"stream", "recorded_at", "generation", "host_timestamp", "frames",
	"window_frames", "overlap_ms", "duration_ms", "outcome", "speech",
	"boundary", "energy", "text", "avg_probability", "filler", "error",
	"interjections",
}

// Defaults for [PostgresOptions].
const (
	DefaultBatchSize     = 128
	DefaultFlushInterval = 2 * time.Second
)

// PostgresOptions tunes the write path of a [Postgres] sink.
type PostgresOptions struct {
	// BatchSize is the number of reports written per COPY.
	BatchSize int

	// FlushInterval bounds how long a report waits in memory before it is
	// written.
	FlushInterval time.Duration

	Logger *slog.Logger
}

// Postgres persists window reports to the window_reports table. Reports are
// buffered and written with COPY so the pipeline worker never waits on the
// database.
type Postgres struct {
	pool    *pgxpool.Pool
	batcher *Batcher[row]
	log     *slog.Logger
}

type row struct {
	stream string
	at     time.Time
	rep    pipeline.Report
}

// NewPostgres connects to dsn, applies the schema and returns a ready sink.
func NewPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("report postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("report postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("report postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("report postgres: migrate: %w", err)
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Postgres{pool: pool, log: opts.Logger}
	p.batcher = NewBatcher(opts.BatchSize, opts.FlushInterval, p.write)
	return p, nil
}

// Migrate creates the window_reports table and its indexes if they do not
// exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlWindowReports); err != nil {
		return fmt.Errorf("report postgres: apply window_reports DDL: %w", err)
	}
	return nil
}

// DefaultStream labels reports delivered through [Postgres.Report].
const DefaultStream = "default"

var _ pipeline.Reporter = (*Postgres)(nil)

// Report implements [pipeline.Reporter], labelling rows with [DefaultStream].
func (p *Postgres) Report(_ context.Context, r pipeline.Report) {
	p.add(DefaultStream, r)
}

// ForStream returns a [pipeline.Reporter] that tags every report with stream.
func (p *Postgres) ForStream(stream string) pipeline.Reporter {
	return pipeline.ReporterFunc(func(_ context.Context, r pipeline.Report) {
		p.add(stream, r)
	})
}

func (p *Postgres) add(stream string, r pipeline.Report) {
	if !p.batcher.Add(row{stream: stream, at: time.Now(), rep: r}) {
		p.log.Debug("report postgres: dropped report after close", "stream", stream)
	}
}

// Sync writes any buffered reports and waits until every write has finished.
func (p *Postgres) Sync() { p.batcher.Sync() }

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close flushes pending reports and releases the connection pool.
func (p *Postgres) Close() error {
	p.batcher.Stop()
	p.pool.Close()
	return nil
}

// Recent returns up to limit reports for stream, newest first.
func (p *Postgres) Recent(ctx context.Context, stream string, limit int) ([]pipeline.Report, error) {
	const q = `
SELECT generation, host_timestamp, frames, window_frames, overlap_ms, duration_ms,
       outcome, speech, boundary, energy, text, avg_probability, filler, error,
       interjections
FROM window_reports
WHERE stream = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2`

	rows, err := p.pool.Query(ctx, q, stream, limit)
	if err != nil {
		return nil, fmt.Errorf("report postgres: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Report, error) {
		var (
			r  pipeline.Report
			ts int64
		)
		err := row.Scan(&r.Generation, &ts, &r.Frames, &r.WindowFrames, &r.OverlapMs,
			&r.DurationMs, &r.Outcome, &r.Speech, &r.Boundary, &r.Energy, &r.Text,
			&r.AvgProbability, &r.Filler, &r.Error, &r.Interjections)
		if len(r.Interjections) == 0 {
			r.Interjections = nil
		}
		r.Timestamp = uint64(ts)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("report postgres: recent: %w", err)
	}
	return out, nil
}

func (p *Postgres) write(batch []row) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{"window_reports"}, reportColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			b := batch[i]
			interjections := b.rep.Interjections
			if interjections == nil {
				interjections = []string{}
			}
			return []any{
				b.stream, b.at, int64(b.rep.Generation), int64(b.rep.Timestamp),
				b.rep.Frames, b.rep.WindowFrames, b.rep.OverlapMs, b.rep.DurationMs,
				b.rep.Outcome, b.rep.Speech, b.rep.Boundary, b.rep.Energy,
				b.rep.Text, b.rep.AvgProbability, b.rep.Filler, b.rep.Error,
				interjections,
			}, nil
		}))
	if err != nil {
		p.log.Warn("report postgres: copy failed", "rows", len(batch), "err", err)
		return
	}
	p.log.Debug("report postgres: wrote batch", "rows", n)
}

// Streams returns the names of all streams with stored reports, sorted.
func (p *Postgres) Streams(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT stream FROM window_reports ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("report postgres: streams: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("report postgres: streams: %w", err)
	}
	return names, nil
}
