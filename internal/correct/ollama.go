package correct

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultModel is the vision-language model used for correction.
const DefaultModel = "minicpm-v:8b"

// OllamaConfig configures the correction client.
type OllamaConfig struct {
	Endpoint string // e.g. http://localhost:11434/api/generate
	Model    string
	Timeout  time.Duration
	// Deterministic pins temperature to zero and fixes the sampling
	// seed so repeated runs over identical input reproduce identical
	// corrected text.
	Deterministic bool
	Seed          int
}

// DefaultOllamaConfig returns client defaults matching a local Ollama.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Endpoint: "http://localhost:11434/api/generate",
		Model:    DefaultModel,
		Timeout:  120 * time.Second,
	}
}

// OllamaClient implements Corrector against an Ollama generate
// endpoint with optional image attachments.
type OllamaClient struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllamaClient creates a correction client with a hard timeout.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOllamaConfig().Timeout
	}
	return &OllamaClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// modelReply is the JSON shape the prompt demands from the model.
type modelReply struct {
	CorrectedText string            `json:"corrected_text"`
	Fields        map[string]string `json:"fields"`
}

// Correct runs one page through the model. Timeouts surface as
// *TimeoutError, an unreachable endpoint as *TransportError,
// everything unparseable as *FormatError.
func (c *OllamaClient) Correct(ctx context.Context, req Request) (*Corrected, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	gen := generateRequest{
		Model:  c.cfg.Model,
		Prompt: buildPrompt(req),
		Stream: false,
		Format: "json",
	}
	if len(req.PageImage) > 0 {
		gen.Images = []string{base64.StdEncoding.EncodeToString(req.PageImage)}
	}
	if c.cfg.Deterministic {
		gen.Options = map[string]any{"temperature": 0, "seed": c.cfg.Seed}
	}

	body, err := json.Marshal(gen)
	if err != nil {
		return nil, &FormatError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, &TransportError{Err: fmt.Errorf("model unreachable: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Err: err}
		}
		return nil, &FormatError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FormatError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, firstLine(raw))}
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, &FormatError{Err: fmt.Errorf("envelope: %w", err)}
	}
	if gr.Error != "" {
		return nil, &FormatError{Err: errors.New(gr.Error)}
	}

	reply, err := decodeReply(gr.Response)
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	if strings.TrimSpace(reply.CorrectedText) == "" && len(reply.Fields) == 0 {
		return nil, &FormatError{Err: errors.New("model returned neither text nor fields")}
	}

	return &Corrected{
		PageIndex: req.PageIndex,
		Text:      reply.CorrectedText,
		Hints:     reply.Fields,
	}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func firstLine(b []byte) string {
	s := string(b)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
