package stt

import (
	"context"
	"fmt"
	"strings"
)

// TranscribeOptions carries the capture format metadata alongside the audio
// payload. Providers that do not need a field ignore it.
type TranscribeOptions struct {
	Format     string
	SampleRate int
	Encoding   string
	Language   string
}

// Provider is a single transcription backend. Transcribe returns the
// transcript text or an error; transport-level failures should be wrapped in
// *UpstreamError so the orchestrator can classify them.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (string, error)
}

// Result is the output of one orchestrated transcription attempt.
type Result struct {
	Text     string
	Provider string

	// Failover is set when the secondary provider produced the result;
	// FailoverStatus is the primary's classified failure status.
	Failover       bool
	FailoverStatus int
}

// Class partitions upstream failures for failover policy and client-facing
// error codes.
type Class int

const (
	ClassOther Class = iota
	ClassAuth
	ClassRateLimited
	ClassServer
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServer:
		return "server"
	default:
		return "other"
	}
}

// UpstreamError is a classified provider failure carrying the HTTP status (or
// close code for socket upstreams). Body is truncated and never contains
// credentials.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, body)
}

func (e *UpstreamError) Class() Class {
	if e == nil {
		return ClassOther
	}
	return ClassifyStatus(e.StatusCode)
}

func ClassifyStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429:
		return ClassRateLimited
	case status >= 500 && status <= 599:
		return ClassServer
	default:
		return ClassOther
	}
}

// FailoverError is raised when both providers fail; it carries both status
// codes so callers can report the full picture.
type FailoverError struct {
	Primary   error
	Secondary error
}

func (e *FailoverError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("primary failed (%v); secondary failed (%v)", e.Primary, e.Secondary)
}

func (e *FailoverError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Secondary
}
