// Package antifraud wraps the black-box liveness and deepfake scorers with
// the configured decision thresholds. Both checks look at different signals:
// a live, unedited photo can still carry an algorithmically swapped face, so
// the deepfake check always runs on its own score.
package antifraud

import "context"

// Scorer returns a model confidence in [0,1] for an image.
type Scorer interface {
	Score(ctx context.Context, img []byte) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, img []byte) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, img []byte) (float64, error) {
	return f(ctx, img)
}

// LivenessResult is the liveness decision plus the raw model confidence.
// Callers must not assume liveness strength scales with the confidence score
// alone; single-frame scoring has no temporal signal to work with.
type LivenessResult struct {
	IsLive     bool
	Confidence float64
}

// LivenessChecker gates check-ins on the liveness score.
type LivenessChecker struct {
	scorer        Scorer
	minConfidence float64
}

// NewLivenessChecker creates a checker; confidence below minConfidence means
// not live.
func NewLivenessChecker(scorer Scorer, minConfidence float64) *LivenessChecker {
	return &LivenessChecker{scorer: scorer, minConfidence: minConfidence}
}

// Check scores the image and applies the threshold.
func (c *LivenessChecker) Check(ctx context.Context, img []byte) (LivenessResult, error) {
	conf, err := c.scorer.Score(ctx, img)
	if err != nil {
		return LivenessResult{}, err
	}
	return LivenessResult{IsLive: conf >= c.minConfidence, Confidence: conf}, nil
}

// DeepfakeResult is the deepfake decision plus the model's estimated
// probability that the image is synthetic.
type DeepfakeResult struct {
	IsDeepfake bool
	Confidence float64
}

// DeepfakeDetector gates check-ins on the synthetic-image score.
type DeepfakeDetector struct {
	scorer        Scorer
	maxConfidence float64
}

// NewDeepfakeDetector creates a detector; confidence strictly above
// maxConfidence is treated as synthetic.
func NewDeepfakeDetector(scorer Scorer, maxConfidence float64) *DeepfakeDetector {
	return &DeepfakeDetector{scorer: scorer, maxConfidence: maxConfidence}
}

// Detect scores the image and applies the threshold.
func (d *DeepfakeDetector) Detect(ctx context.Context, img []byte) (DeepfakeResult, error) {
	conf, err := d.scorer.Score(ctx, img)
	if err != nil {
		return DeepfakeResult{}, err
	}
	return DeepfakeResult{IsDeepfake: conf > d.maxConfidence, Confidence: conf}, nil
}
