package evidence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Item is the queued archival job built by the API on a fraud rejection and
// consumed by the worker.
type Item struct {
	StudentID string `json:"student_id"`
	ClassID   string `json:"class_id"`
	Kind      string `json:"kind"`
	Image     string `json:"image"`
}

// Store records archived evidence URLs.
type Store struct {
	db *sql.DB
}

// NewStore creates a store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert records one archived evidence image.
func (s *Store) Insert(ctx context.Context, item Item, imageURL string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_evidence (id, student_id, class_id, kind, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), item.StudentID, item.ClassID, item.Kind, imageURL, time.Now().UTC())
	return err
}
