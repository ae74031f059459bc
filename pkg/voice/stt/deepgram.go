package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const defaultDeepgramBaseURL = "https://api.deepgram.com"

// DeepgramClient transcribes audio through the Deepgram prerecorded endpoint.
// It is the default secondary (failover) provider.
type DeepgramClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewDeepgramClient(apiKey, model, baseURL string, client *http.Client) *DeepgramClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultDeepgramBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = "nova-2"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &DeepgramClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		client:  client,
	}
}

func (c *DeepgramClient) Name() string { return "deepgram" }

func (c *DeepgramClient) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("deepgram: empty audio payload")
	}

	q := url.Values{}
	q.Set("model", c.model)
	q.Set("smart_format", "true")
	if lang := strings.TrimSpace(opts.Language); lang != "" {
		q.Set("language", lang)
	}
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeForFormat(opts.Format))
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: request: %w", err)
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
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	for _, ch := range decoded.Results.Channels {
		for _, alt := range ch.Alternatives {
			if strings.TrimSpace(alt.Transcript) != "" {
				return alt.Transcript, nil
			}
		}
	}
	return "", nil
}

func contentTypeForFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "wav", "wave":
		return "audio/wav"
	case "ogg", "opus":
		return "audio/ogg"
	case "mp3", "mpeg":
		return "audio/mpeg"
	default:
		return "audio/webm"
	}
}
