// Package facematch compares a face extracted from a check-in image against
// a student's stored reference embedding.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"math"

	"smartattend/internal/faceclient"
)

// ErrEmbeddingExtractionFailed is returned when no usable face embedding
// could be extracted from the image.
var ErrEmbeddingExtractionFailed = errors.New("embedding extraction failed")

// EmbeddingClient extracts a fixed-length embedding from raw image bytes.
type EmbeddingClient interface {
	Embed(ctx context.Context, img []byte) ([]float64, error)
}

// Result is the outcome of a face comparison.
type Result struct {
	IsMatch    bool
	Similarity float64
}

// Matcher scores check-in images against reference embeddings.
type Matcher struct {
	client    EmbeddingClient
	threshold float64
}

// NewMatcher creates a matcher with the configured similarity cutoff.
func NewMatcher(client EmbeddingClient, threshold float64) *Matcher {
	return &Matcher{client: client, threshold: threshold}
}

// Match extracts an embedding from img and compares it against ref using
// cosine similarity over the L2-normalized vectors. Only a no-face result or
// a degenerate embedding wraps ErrEmbeddingExtractionFailed; transport and
// service failures pass through so callers do not mistake an outage for a
// bad image.
func (m *Matcher) Match(ctx context.Context, img []byte, ref []float64) (Result, error) {
	emb, err := m.client.Embed(ctx, img)
	if err != nil {
		if errors.Is(err, faceclient.ErrNoFaceDetected) {
			return Result{}, fmt.Errorf("%w: %v", ErrEmbeddingExtractionFailed, err)
		}
		return Result{}, err
	}

	sim, err := Cosine(emb, ref)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrEmbeddingExtractionFailed, err)
	}
	return Result{IsMatch: sim >= m.threshold, Similarity: sim}, nil
}

// Normalize returns a copy of v divided by its L2 norm. Normalizing an
// already-unit vector is a no-op.
func Normalize(v []float64) ([]float64, error) {
	n := Norm(v)
	if n == 0 {
		return nil, errors.New("cannot normalize zero vector")
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out, nil
}

// Norm returns the Euclidean norm of v.
func Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Cosine computes the cosine similarity of a and b as the dot product of
// their unit vectors. The result is in [-1, 1].
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding length mismatch: %d vs %d", len(a), len(b))
	}
	ua, err := Normalize(a)
	if err != nil {
		return 0, err
	}
	ub, err := Normalize(b)
	if err != nil {
		return 0, err
	}
	var dot float64
	for i := range ua {
		dot += ua[i] * ub[i]
	}
	return dot, nil
}
