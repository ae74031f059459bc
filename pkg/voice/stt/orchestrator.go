package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy controls when a primary failure is allowed to fall through to the
// secondary provider. Auth failures never fail over.
type Policy struct {
	FailoverOn429 bool
	FailoverOn5xx bool

	// ForceFailover always routes to the secondary with a simulated primary
	// rate-limit failure. It exists so failover paths can be exercised
	// deterministically without live 429 conditions.
	ForceFailover bool
}

// Orchestrator performs a single transcription with deterministic failover.
type Orchestrator struct {
	primary   Provider
	secondary Provider
	policy    Policy
	timeout   time.Duration
	logger    *slog.Logger
}

func NewOrchestrator(primary, secondary Provider, policy Policy, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		primary:   primary,
		secondary: secondary,
		policy:    policy,
		timeout:   timeout,
		logger:    logger,
	}
}

// Transcribe attempts the primary provider, then — only when the policy
// warrants it — the secondary. A primary success returns unchanged; a
// non-failover primary error propagates unchanged.
func (o *Orchestrator) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Result, error) {
	if o == nil || o.primary == nil {
		return nil, fmt.Errorf("stt: no primary provider configured")
	}

	if o.policy.ForceFailover {
		simulated := &UpstreamError{Provider: o.primary.Name(), StatusCode: 429, Body: "forced failover"}
		return o.failover(ctx, audio, opts, simulated)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	text, err := o.primary.Transcribe(callCtx, audio, opts)
	cancel()
	if err == nil {
		return &Result{Text: text, Provider: o.primary.Name()}, nil
	}

	if !o.shouldFailover(err) {
		return nil, err
	}
	return o.failover(ctx, audio, opts, err)
}

func (o *Orchestrator) shouldFailover(err error) bool {
	if o.secondary == nil {
		return false
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	switch upstream.Class() {
	case ClassAuth:
		return false
	case ClassRateLimited:
		return o.policy.FailoverOn429
	case ClassServer:
		return o.policy.FailoverOn5xx
	default:
		return false
	}
}

func (o *Orchestrator) failover(ctx context.Context, audio []byte, opts TranscribeOptions, primaryErr error) (*Result, error) {
	if o.secondary == nil {
		return nil, primaryErr
	}

	status := 0
	var upstream *UpstreamError
	if errors.As(primaryErr, &upstream) {
		status = upstream.StatusCode
	}
	o.logger.Warn("stt failover",
		"primary", o.primary.Name(),
		"secondary", o.secondary.Name(),
		"primary_status", status,
	)

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	text, err := o.secondary.Transcribe(callCtx, audio, opts)
	if err != nil {
		return nil, &FailoverError{Primary: primaryErr, Secondary: err}
	}
	return &Result{
		Text:           text,
		Provider:       o.secondary.Name(),
		Failover:       true,
		FailoverStatus: status,
	}, nil
}
