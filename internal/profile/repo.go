package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a student or class does not exist.
var ErrNotFound = errors.New("not found")

// Repository reads students and classes from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// StudentByID loads a student and their reference embedding, if enrolled.
func (r *Repository) StudentByID(ctx context.Context, id string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(full_name, ''), role, face_embedding
		FROM students WHERE id = $1
	`, id)
	return scanStudent(row)
}

// StudentByUsername loads a student by login name.
func (r *Repository) StudentByUsername(ctx context.Context, username string) (*Student, string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(full_name, ''), role, face_embedding, password
		FROM students WHERE username = $1
	`, username)

	var s Student
	var embJSON []byte
	var password string
	if err := row.Scan(&s.ID, &s.Username, &s.FullName, &s.Role, &embJSON, &password); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	if err := attachReference(&s, embJSON); err != nil {
		return nil, "", err
	}
	return &s, password, nil
}

// SaveReference stores a freshly enrolled reference embedding.
func (r *Repository) SaveReference(ctx context.Context, studentID string, ref ReferenceEmbedding) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET face_embedding = $2 WHERE id = $1
	`, studentID, payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TeacherID resolves the teacher responsible for a class.
func (r *Repository) TeacherID(ctx context.Context, classID string) (string, error) {
	var teacherID string
	err := r.db.QueryRowContext(ctx, `
		SELECT teacher_id FROM classes WHERE id = $1
	`, classID).Scan(&teacherID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return teacherID, err
}

func scanStudent(row *sql.Row) (*Student, error) {
	var s Student
	var embJSON []byte
	if err := row.Scan(&s.ID, &s.Username, &s.FullName, &s.Role, &embJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := attachReference(&s, embJSON); err != nil {
		return nil, err
	}
	return &s, nil
}

func attachReference(s *Student, embJSON []byte) error {
	if len(embJSON) == 0 {
		return nil
	}
	var ref ReferenceEmbedding
	if err := json.Unmarshal(embJSON, &ref); err != nil {
		return fmt.Errorf("corrupt reference embedding for student %s: %w", s.ID, err)
	}
	if len(ref.Vector) > 0 {
		s.Reference = &ref
	}
	return nil
}
