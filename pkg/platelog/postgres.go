package platelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS plate_detections (
	id            BIGSERIAL PRIMARY KEY,
	detected_at   TIMESTAMP NOT NULL,
	source        TEXT NOT NULL,
	license_plate TEXT NOT NULL
)`

const insertSQL = `INSERT INTO plate_detections (detected_at, source, license_plate) VALUES ($1, $2, $3)`

// PostgresMirror copies records into a plate_detections table.
type PostgresMirror struct {
	db      *sql.DB
	now     func() time.Time
	timeout time.Duration
}

// OpenPostgres connects with the pgx driver and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresMirror, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("platelog: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("platelog: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("platelog: create table: %w", err)
	}
	return NewPostgresMirror(db), nil
}

// NewPostgresMirror wraps an open database handle.
func NewPostgresMirror(db *sql.DB) *PostgresMirror {
	return &PostgresMirror{db: db, now: time.Now, timeout: 5 * time.Second}
}

// Append inserts one row.
func (p *PostgresMirror) Append(text string, source Source) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	// Same second resolution as the CSV log.
	ts := p.now().Truncate(time.Second)
	if _, err := p.db.ExecContext(ctx, insertSQL, ts, string(source), text); err != nil {
		return fmt.Errorf("platelog: insert detection: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *PostgresMirror) Close() error {
	return p.db.Close()
}
