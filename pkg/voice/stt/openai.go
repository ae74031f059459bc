package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient transcribes audio through the OpenAI-style multipart
// transcription endpoint. It is the default primary provider.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewOpenAIClient(apiKey, model, baseURL string, client *http.Client) *OpenAIClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = "whisper-1"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		client:  client,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("openai: empty audio payload")
	}

	filename := "audio." + fileExtension(opts.Format)
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err = part.Write(audio); err != nil {
		return "", fmt.Errorf("openai: write audio: %w", err)
	}
	if err = writer.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("openai: write model field: %w", err)
	}
	if lang := strings.TrimSpace(opts.Language); lang != "" {
		if err = writer.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("openai: write language field: %w", err)
		}
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("openai: close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{
			Provider:   c.Name(),
			StatusCode: resp.StatusCode,
			Body:       truncatedBody(resp.Body),
		}
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	return decoded.Text, nil
}

func fileExtension(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", "webm":
		return "webm"
	case "wav", "wave":
		return "wav"
	case "ogg", "opus":
		return "ogg"
	case "mp3", "mpeg":
		return "mp3"
	default:
		return format
	}
}

// truncatedBody reads a bounded slice of an error response for diagnostics.
// Upstream error bodies occasionally echo request headers, so the caller must
// still redact before logging.
func truncatedBody(r io.Reader) string {
	const maxBody = 512
	b, _ := io.ReadAll(io.LimitReader(r, maxBody))
	return strings.TrimSpace(string(b))
}
