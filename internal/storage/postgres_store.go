package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-calls/internal/models"
)

const callColumns = `id, order_id, caller_id, caller_role, receiver_id, receiver_role, call_type, status,
	start_time, end_time, duration_seconds, quality, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the pool for migrations and readiness checks.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, c *models.Call) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO calls(`+callColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.OrderID, c.CallerID, c.CallerRole, c.ReceiverID, c.ReceiverRole, c.CallType, c.Status,
		nullTime(c.StartTime), nullTime(c.EndTime), c.DurationSeconds, nullQuality(c.Quality), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (p *PostgresStore) Find(ctx context.Context, id string) (*models.Call, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id=$1`, id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select call: %w", err)
	}
	return c, nil
}

// Save applies the update only while the row still carries the expected status.
func (p *PostgresStore) Save(ctx context.Context, c *models.Call, expected models.CallStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE calls SET status=$2, start_time=$3, end_time=$4, duration_seconds=$5, quality=$6, updated_at=$7
		WHERE id=$1 AND status=$8`,
		c.ID, c.Status, nullTime(c.StartTime), nullTime(c.EndTime), c.DurationSeconds, nullQuality(c.Quality), time.Now(), expected)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE id=$1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*models.Call, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls WHERE order_id=$1 ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list calls by order: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, role models.Role, limit int) ([]*models.Call, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE (caller_id=$1 AND ($2='' OR caller_role=$2)) OR (receiver_id=$1 AND ($2='' OR receiver_role=$2))
		ORDER BY created_at DESC LIMIT $3`, userID, string(role), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list calls by user: %w", err)
	}
	return collect(rows)
}

// limitArg maps a non-positive limit to NULL, which postgres reads as LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*models.Call, error) {
	var (
		c          models.Call
		start, end sql.NullTime
		quality    sql.NullString
	)
	if err := s.Scan(&c.ID, &c.OrderID, &c.CallerID, &c.CallerRole, &c.ReceiverID, &c.ReceiverRole, &c.CallType, &c.Status,
		&start, &end, &c.DurationSeconds, &quality, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if start.Valid {
		t := start.Time
		c.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		c.EndTime = &t
	}
	if quality.Valid {
		q := models.Quality(quality.String)
		c.Quality = &q
	}
	return &c, nil
}

func collect(rows *sql.Rows) ([]*models.Call, error) {
	defer rows.Close()
	out := make([]*models.Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullQuality(q *models.Quality) sql.NullString {
	if q == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*q), Valid: true}
}
