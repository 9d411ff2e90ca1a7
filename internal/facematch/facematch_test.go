package facematch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartattend/internal/faceclient"
)

type stubEmbedder struct {
	emb []float64
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, _ []byte) ([]float64, error) {
	return s.emb, s.err
}

func TestNormalizeIsIdempotent(t *testing.T) {
	v := []float64{3, 4, 0, 0}
	once, err := Normalize(v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, Norm(once), 1e-12)

	twice, err := Normalize(once)
	require.NoError(t, err)
	for i := range once {
		assert.InDelta(t, once[i], twice[i], 1e-12)
	}
}

func TestNormalizeRejectsZeroVector(t *testing.T) {
	_, err := Normalize([]float64{0, 0, 0})
	assert.Error(t, err)
}

func TestCosineIsSymmetric(t *testing.T) {
	a := []float64{0.2, 0.5, 0.1, 0.9}
	b := []float64{0.4, 0.3, 0.8, 0.2}

	ab, err := Cosine(a, b)
	require.NoError(t, err)
	ba, err := Cosine(b, a)
	require.NoError(t, err)
	assert.InDelta(t, ab, ba, 1e-12)
}

func TestCosineScaleInvariant(t *testing.T) {
	a := []float64{1, 2, 3}
	scaled := []float64{10, 20, 30}
	sim, err := Cosine(a, scaled)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-12)
}

func TestCosineOrthogonal(t *testing.T) {
	sim, err := Cosine([]float64{1, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-12)
}

func TestCosineLengthMismatch(t *testing.T) {
	_, err := Cosine([]float64{1, 0}, []float64{1, 0, 0})
	assert.Error(t, err)
}

func TestMatchAboveThreshold(t *testing.T) {
	ref := []float64{1, 2, 3, 4}
	m := NewMatcher(&stubEmbedder{emb: []float64{2, 4, 6, 8}}, 0.90)

	res, err := m.Match(context.Background(), []byte("img"), ref)
	require.NoError(t, err)
	assert.True(t, res.IsMatch)
	assert.InDelta(t, 1.0, res.Similarity, 1e-12)
}

func TestMatchBelowThreshold(t *testing.T) {
	ref := []float64{1, 0, 0, 0}
	m := NewMatcher(&stubEmbedder{emb: []float64{0, 1, 0, 0}}, 0.90)

	res, err := m.Match(context.Background(), []byte("img"), ref)
	require.NoError(t, err)
	assert.False(t, res.IsMatch)
	assert.InDelta(t, 0.0, res.Similarity, 1e-12)
}

func TestMatchNoFaceWrapsExtractionFailure(t *testing.T) {
	m := NewMatcher(&stubEmbedder{err: fmt.Errorf("embed: %w", faceclient.ErrNoFaceDetected)}, 0.90)
	_, err := m.Match(context.Background(), []byte("img"), []float64{1, 0})
	assert.ErrorIs(t, err, ErrEmbeddingExtractionFailed)
}

func TestMatchTransportErrorPassesThrough(t *testing.T) {
	cause := errors.New("face service error 503 Service Unavailable")
	m := NewMatcher(&stubEmbedder{err: cause}, 0.90)
	_, err := m.Match(context.Background(), []byte("img"), []float64{1, 0})
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrEmbeddingExtractionFailed)
}
