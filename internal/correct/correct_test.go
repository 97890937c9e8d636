package correct

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyJSON(t *testing.T, reply modelReply) string {
	t.Helper()
	b, err := json.Marshal(reply)
	require.NoError(t, err)
	return string(b)
}

func ollamaStub(t *testing.T, handler func(gr generateRequest) generateResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var gr generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gr))
		_ = json.NewEncoder(w).Encode(handler(gr))
	}))
}

func TestOllamaClient_Correct(t *testing.T) {
	srv := ollamaStub(t, func(gr generateRequest) generateResponse {
		assert.Equal(t, "minicpm-v:8b", gr.Model)
		assert.False(t, gr.Stream)
		assert.Equal(t, "json", gr.Format)
		assert.Contains(t, gr.Prompt, "passport")
		assert.Contains(t, gr.Prompt, "Raw OCR Text")
		assert.Len(t, gr.Images, 1)
		return generateResponse{Response: `{"corrected_text":"Passport No: X1234567","fields":{"Nationality":"PHL"}}`}
	})
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{Endpoint: srv.URL, Timeout: time.Second})
	got, err := c.Correct(context.Background(), Request{
		DocType:   "passport",
		PageIndex: 2,
		RawText:   "Passp0rt N0: X12E4567",
		PageImage: []byte{0xff, 0xd8},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.PageIndex)
	assert.Equal(t, "Passport No: X1234567", got.Text)
	assert.Equal(t, "PHL", got.Hints["Nationality"])
}

func TestOllamaClient_DeterministicOptions(t *testing.T) {
	srv := ollamaStub(t, func(gr generateRequest) generateResponse {
		require.NotNil(t, gr.Options)
		assert.EqualValues(t, 0, gr.Options["temperature"])
		assert.EqualValues(t, 42, gr.Options["seed"])
		return generateResponse{Response: `{"corrected_text":"ok"}`}
	})
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{Endpoint: srv.URL, Timeout: time.Second, Deterministic: true, Seed: 42})
	_, err := c.Correct(context.Background(), Request{RawText: "x"})
	require.NoError(t, err)
}

func TestOllamaClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{Endpoint: srv.URL, Timeout: 30 * time.Millisecond})
	_, err := c.Correct(context.Background(), Request{RawText: "x"})
	require.Error(t, err)
	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestOllamaClient_Unreachable(t *testing.T) {
	// Grab a port with nothing listening on it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	c := NewOllamaClient(OllamaConfig{Endpoint: endpoint, Timeout: time.Second})
	_, err := c.Correct(context.Background(), Request{RawText: "x"})
	require.Error(t, err)
	var tre *TransportError
	assert.True(t, errors.As(err, &tre))
}

func TestOllamaClient_MalformedReply(t *testing.T) {
	srv := ollamaStub(t, func(gr generateRequest) generateResponse {
		return generateResponse{Response: "the model rambles with no json"}
	})
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{Endpoint: srv.URL, Timeout: time.Second})
	_, err := c.Correct(context.Background(), Request{RawText: "x"})
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
}

func TestOllamaClient_ModelError(t *testing.T) {
	srv := ollamaStub(t, func(gr generateRequest) generateResponse {
		return generateResponse{Error: "model not found"}
	})
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{Endpoint: srv.URL, Timeout: time.Second})
	_, err := c.Correct(context.Background(), Request{RawText: "x"})
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, err.Error(), "model not found")
}

func TestDecodeReply_Lenient(t *testing.T) {
	fenced := "```json\n{\"corrected_text\": \"Name: Ada\"}\n```"
	reply, err := decodeReply(fenced)
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", reply.CorrectedText)

	prose := `Here is the result: {"corrected_text": "Name: Ada", "fields": {"Gender": "F"}} hope that helps`
	reply, err = decodeReply(prose)
	require.NoError(t, err)
	assert.Equal(t, "F", reply.Fields["Gender"])

	braces := `{"corrected_text": "Value: {nested}"}`
	reply, err = decodeReply(braces)
	require.NoError(t, err)
	assert.Equal(t, "Value: {nested}", reply.CorrectedText)
}

func TestBuildPrompt_Vocabulary(t *testing.T) {
	p := buildPrompt(Request{
		DocType:    "driving_license",
		Vocabulary: []string{"License No", "Expiry Date"},
		RawText:    "DL text",
	})
	assert.Contains(t, p, "driving_license")
	assert.Contains(t, p, "License No, Expiry Date")
	assert.True(t, strings.Contains(p, "corrected_text"))
}
