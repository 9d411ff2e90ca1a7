// Package faceclient calls the face model microservice. The service exposes
// black-box scoring endpoints: embedding extraction, liveness scoring and
// deepfake scoring. The pipeline treats all three as pure functions over the
// submitted image.
package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoFaceDetected is returned when the model finds no face in the image.
var ErrNoFaceDetected = errors.New("no face detected in image")

// Client calls the face model service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits every call with deterministic
// results for local development without the model service.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Embed extracts a face embedding from raw image bytes.
func (c *Client) Embed(ctx context.Context, img []byte) ([]float64, error) {
	if c.Skip {
		return mockEmbedding(img), nil
	}

	var out struct {
		Embedding     []float64 `json:"embedding"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := c.post(ctx, "/embed", img, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, ErrNoFaceDetected
	}
	return out.Embedding, nil
}

// LivenessScore returns the model's confidence that the image depicts a live
// subject, in [0,1].
func (c *Client) LivenessScore(ctx context.Context, img []byte) (float64, error) {
	if c.Skip {
		return 0.85, nil
	}

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	if err := c.post(ctx, "/liveness", img, &out); err != nil {
		return 0, err
	}
	return out.Confidence, nil
}

// DeepfakeScore returns the model's estimated probability that the image is
// synthetic, in [0,1].
func (c *Client) DeepfakeScore(ctx context.Context, img []byte) (float64, error) {
	if c.Skip {
		return 0.02, nil
	}

	var out struct {
		Confidence float64 `json:"confidence"`
	}
	if err := c.post(ctx, "/deepfake", img, &out); err != nil {
		return 0, err
	}
	return out.Confidence, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, img []byte, out any) error {
	body, _ := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(img),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// mockEmbedding derives a stable vector from the image bytes so that the
// same image always matches itself in skip mode.
func mockEmbedding(img []byte) []float64 {
	emb := make([]float64, 64)
	for i, b := range img {
		emb[i%64] += float64(b) / 255.0
	}
	var norm float64
	for _, v := range emb {
		norm += v * v
	}
	if norm == 0 {
		emb[0] = 1
		return emb
	}
	return emb
}
