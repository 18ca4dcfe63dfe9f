// Package detection samples keyframes from a stream's packet fan-out and
// invokes an external object detector, gating recording via the MP4 writer's
// event triggers, per spec.md §4.F.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nvrflow/nvrcore/pkg/httpclient"
)

// Detection is a single classified object returned by a Detector.
type Detection struct {
	Class string      `json:"class"`
	Score float64     `json:"score"`
	Box   BoundingBox `json:"box"`
}

// BoundingBox is a normalized (0..1) detection box within the sampled frame.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detector is the pluggable external collaborator spec.md §6 names. A
// timeout or transport failure is the caller's job to fold into
// "no detection" — Detector itself reports it as an error.
type Detector interface {
	Detect(ctx context.Context, imageJPEG []byte, modelID string) ([]Detection, error)
}

// httpDetector calls a remote detection API over HTTP, one named client per
// configured endpoint via the shared factory/registry so every detector
// model shares the pack's retry and decompression behavior.
type httpDetector struct {
	client   *httpclient.Client
	endpoint string
}

// NewHTTPDetector builds a Detector backed by a detection HTTP API at
// endpoint (expects a POST with a JSON body and JSON detections back).
// serviceName keys the shared circuit breaker registry so every stream
// configured against the same endpoint shares breaker state.
func NewHTTPDetector(endpoint, serviceName string) Detector {
	client := httpclient.DefaultFactory.CreateClientForService(serviceName)
	return &httpDetector{client: client, endpoint: endpoint}
}

type detectRequest struct {
	Model string `json:"model"`
	Image []byte `json:"image"`
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
}

func (d *httpDetector) Detect(ctx context.Context, imageJPEG []byte, modelID string) ([]Detection, error) {
	body, err := json.Marshal(detectRequest{Model: modelID, Image: imageJPEG})
	if err != nil {
		return nil, fmt.Errorf("encoding detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling detector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding detect response: %w", err)
	}
	return out.Detections, nil
}
