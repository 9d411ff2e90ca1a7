package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrPendingNotFound is returned when a pending notification id is unknown.
var ErrPendingNotFound = errors.New("pending notification not found")

// Pending is a durably queued notification awaiting delivery.
type Pending struct {
	ID        string
	TeacherID string
	Payload   Payload
	CreatedAt time.Time
	Delivered bool
}

// PendingStore persists undelivered notifications in Postgres.
type PendingStore struct {
	db *sql.DB
}

// NewPendingStore creates a store.
func NewPendingStore(db *sql.DB) *PendingStore {
	return &PendingStore{db: db}
}

// Insert writes a new undelivered notification and returns its id.
func (s *PendingStore) Insert(ctx context.Context, teacherID string, p Payload) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_notifications (id, teacher_id, payload, created_at, delivered)
		VALUES ($1, $2, $3, $4, FALSE)
	`, id, teacherID, payload, time.Now().UTC())
	return id, err
}

// Get loads one pending notification by id.
func (s *PendingStore) Get(ctx context.Context, id string) (*Pending, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, payload, created_at, delivered
		FROM pending_notifications WHERE id = $1
	`, id)
	return scanPending(row)
}

// Undelivered returns the teacher's queued notifications oldest first.
func (s *PendingStore) Undelivered(ctx context.Context, teacherID string) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, teacher_id, payload, created_at, delivered
		FROM pending_notifications
		WHERE teacher_id = $1 AND NOT delivered
		ORDER BY created_at
	`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var p Pending
		var payload []byte
		if err := rows.Scan(&p.ID, &p.TeacherID, &payload, &p.CreatedAt, &p.Delivered); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkDelivered flags a notification as delivered.
func (s *PendingStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_notifications
		SET delivered = TRUE, delivered_at = $2
		WHERE id = $1 AND NOT delivered
	`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPendingNotFound
	}
	return nil
}

func scanPending(row *sql.Row) (*Pending, error) {
	var p Pending
	var payload []byte
	if err := row.Scan(&p.ID, &p.TeacherID, &payload, &p.CreatedAt, &p.Delivered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return nil, err
	}
	return &p, nil
}
