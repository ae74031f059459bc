package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/echogate/echogate/internal/dotenv"
	"github.com/echogate/echogate/pkg/gateway/config"
	gatewayserver "github.com/echogate/echogate/pkg/gateway/server"
	"github.com/echogate/echogate/pkg/relay/session"
	"github.com/echogate/echogate/pkg/store"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.ContextStore, func(), error)
	newGateway   func(config.Config, *slog.Logger, session.ContextStore) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  openContextStore,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openContextStore connects to Postgres and runs pending migrations. An
// empty DSN disables persistence; sessions then start with empty history.
func openContextStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.ContextStore, func(), error) {
	if cfg.StoreDSN == "" {
		return nil, func() {}, nil
	}
	if err := store.Migrate(cfg.StoreDSN); err != nil {
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	st, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("conversation store connected")
	return contextStore{st}, st.Close, nil
}

// contextStore adapts the Postgres store to the session's context interface.
type contextStore struct {
	st *store.Store
}

func (c contextStore) History(ctx context.Context, conversationID string, limit int) ([]session.StoredMessage, error) {
	rows, err := c.st.History(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]session.StoredMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, session.StoredMessage{Role: row.Role, Content: row.Content})
	}
	return out, nil
}

func (c contextStore) Append(ctx context.Context, conversationID, role, content string) error {
	return c.st.Append(ctx, conversationID, role, content)
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var ctxStore session.ContextStore
	closeStore := func() {}
	if deps.openStore != nil {
		ctxStore, closeStore, err = deps.openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}
	defer closeStore()

	gw := deps.newGateway(cfg, logger, ctxStore)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay gateway", "addr", cfg.Addr, "stt_enabled", cfg.STT.Enabled, "store_enabled", ctxStore != nil)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.NotifySessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		gw.CancelSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := slog.LevelInfo
	if os.Getenv("RELAY_LOG_VERBOSE") == "true" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
