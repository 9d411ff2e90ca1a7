package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record is a persisted, immutable attendance record. Every check's result
// is embedded for audit.
type Record struct {
	ID                 string    `json:"id"`
	StudentID          string    `json:"student_id"`
	ClassID            string    `json:"class_id"`
	Date               string    `json:"date"`
	CheckInTime        time.Time `json:"check_in_time"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	DistanceMeters     float64   `json:"distance_meters"`
	Similarity         float64   `json:"similarity"`
	LivenessConfidence float64   `json:"liveness_confidence"`
	DeepfakeConfidence float64   `json:"deepfake_confidence"`
	Status             string    `json:"status"`
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Exists reports whether the student already checked in to the class today.
func (r *Repository) Exists(ctx context.Context, studentID, classID, date string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM attendance_records
		WHERE student_id = $1 AND class_id = $2 AND date = $3
	`, studentID, classID, date).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Insert writes a new record. Records are never updated or deleted here.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, class_id, date, check_in_time, latitude, longitude,
			 distance_meters, similarity, liveness_confidence, deepfake_confidence, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.StudentID, rec.ClassID, rec.Date, rec.CheckInTime,
		rec.Latitude, rec.Longitude, rec.DistanceMeters, rec.Similarity,
		rec.LivenessConfidence, rec.DeepfakeConfidence, rec.Status)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListForClassDate returns the records for a class on one date, most recent
// first. Used by the teacher's today view.
func (r *Repository) ListForClassDate(ctx context.Context, classID, date string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, class_id, date, check_in_time, latitude, longitude,
		       distance_meters, similarity, liveness_confidence, deepfake_confidence, status
		FROM attendance_records
		WHERE class_id = $1 AND date = $2
		ORDER BY check_in_time DESC
	`, classID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.Date,
			&rec.CheckInTime, &rec.Latitude, &rec.Longitude, &rec.DistanceMeters,
			&rec.Similarity, &rec.LivenessConfidence, &rec.DeepfakeConfidence,
			&rec.Status); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
