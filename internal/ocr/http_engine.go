package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MeKo-Tech/idex/internal/preprocess"
)

// HTTPEngine talks to a local OCR serving process (PaddleOCR-style)
// over HTTP. The engine receives the page as base64 JPEG and answers
// with positioned text fragments.
type HTTPEngine struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPEngine creates an engine client with a hard per-call timeout.
func NewHTTPEngine(endpoint string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEngine{
		endpoint: endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

type recognizeRequest struct {
	Image string `json:"image"` // base64 JPEG
}

type recognizeResponse struct {
	Fragments []Fragment `json:"fragments"`
	Error     string     `json:"error,omitempty"`
}

// Recognize sends one canonical page to the OCR engine.
func (e *HTTPEngine) Recognize(ctx context.Context, page preprocess.Page) (*Result, error) {
	jpeg, err := preprocess.EncodeJPEG(page.Image)
	if err != nil {
		return nil, &EngineError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(recognizeRequest{Image: base64.StdEncoding.EncodeToString(jpeg)})
	if err != nil {
		return nil, &EngineError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &EngineError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &EngineError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &EngineError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &EngineError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}

	var decoded recognizeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &EngineError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	if decoded.Error != "" {
		return nil, &EngineError{Err: fmt.Errorf("engine reported: %s", decoded.Error)}
	}

	return &Result{PageIndex: page.Index, Fragments: decoded.Fragments}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
