// Package ledger tracks per-day geofence failures. An entry is written only
// when the face match succeeded but the location was out of range: the
// counter measures "legitimate person, wrong place", never "wrong person".
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Limit is the result of a cap check for one (student, class, date) key.
type Limit struct {
	IsBlocked    bool
	CurrentCount int
	Remaining    int
}

// Ledger persists geofence attempt counters in Postgres.
type Ledger struct {
	db          *sql.DB
	maxAttempts int
}

// New creates a ledger with the per-day attempt cap.
func New(db *sql.DB, maxAttempts int) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Ledger{db: db, maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured per-day cap.
func (l *Ledger) MaxAttempts() int {
	return l.maxAttempts
}

// CheckLimit reports whether the key already reached the daily cap.
func (l *Ledger) CheckLimit(ctx context.Context, studentID, classID, date string) (Limit, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT attempt_count FROM geofence_attempts
		WHERE student_id = $1 AND class_id = $2 AND date = $3
	`, studentID, classID, date).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Limit{}, err
	}
	return l.limitFor(count), nil
}

// RecordAttempt appends a failed-attempt entry and atomically increments the
// counter, returning the new count. The increment happens in the database so
// concurrent check-ins for the same key cannot drop updates.
func (l *Ledger) RecordAttempt(ctx context.Context, studentID, classID, date string, lat, lon, distance, similarity float64) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var newCount int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO geofence_attempts (student_id, class_id, date, attempt_count, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (student_id, class_id, date)
		DO UPDATE SET attempt_count = geofence_attempts.attempt_count + 1, updated_at = $4
		RETURNING attempt_count
	`, studentID, classID, date, time.Now().UTC()).Scan(&newCount)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO geofence_attempt_log (id, student_id, class_id, date, latitude, longitude, distance_meters, similarity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), studentID, classID, date, lat, lon, distance, similarity)
	if err != nil {
		return 0, err
	}

	return newCount, tx.Commit()
}

func (l *Ledger) limitFor(count int) Limit {
	remaining := l.maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return Limit{
		IsBlocked:    count >= l.maxAttempts,
		CurrentCount: count,
		Remaining:    remaining,
	}
}
