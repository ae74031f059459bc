package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/echogate/echogate/pkg/gateway/config"
	"github.com/echogate/echogate/pkg/gateway/handlers"
	"github.com/echogate/echogate/pkg/gateway/lifecycle"
	"github.com/echogate/echogate/pkg/gateway/metrics"
	"github.com/echogate/echogate/pkg/gateway/mw"
	"github.com/echogate/echogate/pkg/gateway/sessions"
	"github.com/echogate/echogate/pkg/relay/session"
	"github.com/echogate/echogate/pkg/voice/stt"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle   *lifecycle.Lifecycle
	sessions    *sessions.Tracker
	metrics     *metrics.Metrics
	store       session.ContextStore
	transcriber session.Transcriber
	httpClient  *http.Client
}

// New builds the gateway. store may be nil; sessions then run without
// conversation context persistence.
func New(cfg config.Config, logger *slog.Logger, store session.ContextStore) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),

		lifecycle:   &lifecycle.Lifecycle{},
		sessions:    sessions.NewTracker(),
		metrics:     metrics.New(),
		store:       store,
		transcriber: newTranscriber(cfg.STT, httpClient, logger),
		httpClient:  httpClient,
	}

	s.routes()
	return s
}

// newTranscriber wires the speech-to-text orchestrator from config. A nil
// return disables audio capture for every session.
func newTranscriber(cfg config.STTConfig, client *http.Client, logger *slog.Logger) session.Transcriber {
	if !cfg.Enabled {
		return nil
	}
	primary := stt.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, "", client)
	var secondary stt.Provider
	if cfg.DeepgramAPIKey != "" {
		secondary = stt.NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramModel, "", client)
	}
	policy := stt.Policy{
		FailoverOn429: cfg.FailoverOn429,
		FailoverOn5xx: cfg.FailoverOn5xx,
		ForceFailover: cfg.ForceFailover,
	}
	return stt.NewOrchestrator(primary, secondary, policy, cfg.RequestTimeout, logger)
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Sessions: s.sessions})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/relay", handlers.RelayHandler{
		Config:      s.cfg,
		Logger:      s.logger,
		Lifecycle:   s.lifecycle,
		Sessions:    s.sessions,
		Metrics:     s.metrics,
		Store:       s.store,
		Transcriber: s.transcriber,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the gateway into drain mode: /readyz answers 503 and new
// relay sessions are refused while existing ones continue.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// NotifySessionsDraining sends a shutdown notice to every active session.
func (s *Server) NotifySessionsDraining() {
	s.sessions.NotifyAll("gateway is shutting down")
}

// WaitSessions blocks until every session has unregistered or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions force-closes every remaining session.
func (s *Server) CancelSessions() {
	s.sessions.CancelAll()
}
