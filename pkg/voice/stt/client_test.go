package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIClientTranscribe(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "audio.webm" {
			t.Errorf("filename = %q", header.Filename)
		}
		payload, _ := io.ReadAll(file)
		if string(payload) != "fake-audio" {
			t.Errorf("payload = %q", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"hello there"}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", "", srv.URL, srv.Client())
	text, err := c.Transcribe(context.Background(), []byte("fake-audio"), TranscribeOptions{Format: "webm", Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("text = %q", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotContentType == "" {
		t.Fatal("missing Content-Type")
	}
}

func TestOpenAIClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limit reached"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", "", srv.URL, srv.Client())
	_, err := c.Transcribe(context.Background(), []byte("x"), TranscribeOptions{})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upstream.StatusCode != 429 || upstream.Provider != "openai" {
		t.Fatalf("unexpected error: %+v", upstream)
	}
	if upstream.Class() != ClassRateLimited {
		t.Fatalf("Class() = %v", upstream.Class())
	}
}

func TestDeepgramClientTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token dg-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("model"); got != "nova-2" {
			t.Errorf("model = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "audio/wav" {
			t.Errorf("Content-Type = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "raw-pcm" {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"good morning"}]}]}}`)
	}))
	defer srv.Close()

	c := NewDeepgramClient("dg-test", "", srv.URL, srv.Client())
	text, err := c.Transcribe(context.Background(), []byte("raw-pcm"), TranscribeOptions{Format: "wav", SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "good morning" {
		t.Fatalf("text = %q", text)
	}
}

func TestDeepgramClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"err_msg":"invalid credentials"}`)
	}))
	defer srv.Close()

	c := NewDeepgramClient("dg-test", "", srv.URL, srv.Client())
	_, err := c.Transcribe(context.Background(), []byte("x"), TranscribeOptions{})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upstream.Class() != ClassAuth {
		t.Fatalf("Class() = %v", upstream.Class())
	}
}
