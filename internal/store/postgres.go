package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/srg/ionlink/internal/device"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_events (
	member_id     TEXT             NOT NULL DEFAULT '',
	ts            TIMESTAMPTZ      NOT NULL,
	kind          TEXT             NOT NULL,
	liters        DOUBLE PRECISION,
	ph            DOUBLE PRECISION,
	quality_score DOUBLE PRECISION,
	average_ph    DOUBLE PRECISION,
	received_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (member_id, ts, kind)
)`

const upsert = `
INSERT INTO telemetry_events (member_id, ts, kind, liters, ph, quality_score, average_ph)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (member_id, ts, kind) DO UPDATE SET
	liters        = EXCLUDED.liters,
	ph            = EXCLUDED.ph,
	quality_score = EXCLUDED.quality_score,
	average_ph    = EXCLUDED.average_ph`

// Postgres stores telemetry in the telemetry_events table.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn with the pgx driver and pings it.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping telemetry database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create telemetry_events: %w", err)
	}
	return nil
}

func (p *Postgres) Store(ctx context.Context, ev device.TelemetryEvent) error {
	key := ev.Key()
	var liters, ph, quality, avgPH sql.NullFloat64
	switch e := ev.(type) {
	case device.ConsumptionEvent:
		liters = sql.NullFloat64{Float64: e.Liters, Valid: true}
		ph = sql.NullFloat64{Float64: e.PH, Valid: true}
	case device.QualityEvent:
		quality = sql.NullFloat64{Float64: e.QualityScore, Valid: true}
		avgPH = sql.NullFloat64{Float64: e.AveragePH, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, upsert,
		key.MemberID, ev.At().UTC(), string(key.Kind), liters, ph, quality, avgPH)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM telemetry_events`).Scan(&n)
	return n, err
}

func (p *Postgres) Close() error { return p.db.Close() }
