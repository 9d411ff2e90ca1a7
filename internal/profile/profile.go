// Package profile holds student identities and their enrolled face
// reference embeddings. Enrollment writes the reference once; the check-in
// pipeline only reads it.
package profile

import (
	"time"
)

// ReferenceEmbedding is the stored face signature captured at enrollment.
// It is written once as a complete tagged value so readers never have to
// sniff the stored shape.
type ReferenceEmbedding struct {
	Vector      []float64 `json:"vector"`
	Norm        float64   `json:"norm"`
	CreatedAt   time.Time `json:"created_at"`
	SampleCount int       `json:"sample_count"`
}

// Student is a student identity as the pipeline sees it.
type Student struct {
	ID        string
	Username  string
	FullName  string
	Role      string
	Reference *ReferenceEmbedding
}

// HasFaceID reports whether the student completed face enrollment.
func (s *Student) HasFaceID() bool {
	return s.Reference != nil && len(s.Reference.Vector) > 0
}
