// Command voiceagent bridges Twilio phone calls to a Deepgram voice agent.
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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentplexus/twilio-voice-agent/agent"
	"github.com/agentplexus/twilio-voice-agent/callsystem"
	"github.com/agentplexus/twilio-voice-agent/config"
	"github.com/agentplexus/twilio-voice-agent/relay"
	"github.com/agentplexus/twilio-voice-agent/server"
	"github.com/agentplexus/twilio-voice-agent/sessionvars"
	"github.com/agentplexus/twilio-voice-agent/tools"
)

const readHeaderTimeout = 10 * time.Second

type appDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newStore returns the configured session store and a function releasing it.
func newStore(cfg config.Config) (sessionvars.Store, func() error) {
	if cfg.SessionStore != config.StoreRedis {
		return sessionvars.NewMemoryStore(), func() error { return nil }
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return sessionvars.NewRedisStore(rdb, sessionvars.WithTTL(cfg.SessionTTL)), rdb.Close
}

func agentConfig(cfg config.Config) agent.Config {
	return agent.Config{
		URL:               cfg.DeepgramAgentURL,
		APIKey:            cfg.DeepgramAPIKey,
		Language:          cfg.AgentLanguage,
		ListenModel:       cfg.AgentListenModel,
		ThinkProvider:     cfg.AgentThinkProvider,
		ThinkModel:        cfg.AgentThinkModel,
		SpeakModel:        cfg.AgentSpeakModel,
		Instructions:      cfg.SystemPrompt,
		Greeting:          cfg.Greeting,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}
}

func buildServer(cfg config.Config, store sessionvars.Store, logger *slog.Logger) (*server.Server, error) {
	provider, err := callsystem.New(
		callsystem.WithAccountSID(cfg.TwilioAccountSID),
		callsystem.WithAuthToken(cfg.TwilioAuthToken),
		callsystem.WithPhoneNumber(cfg.TwilioPhoneNumber),
		callsystem.WithHost(cfg.Server),
		callsystem.WithAPIKey(cfg.APIKey),
		callsystem.WithStore(store),
		callsystem.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create call provider: %w", err)
	}

	agentCfg := agentConfig(cfg)
	deps := relay.Deps{
		Store:     store,
		Announcer: provider,
		NewChannel: func(callID string, vars sessionvars.Variables) relay.Channel {
			opts := []agent.Option{agent.WithLogger(logger.With("call_sid", callID))}
			if cfg.EnableEndCallTool {
				opts = append(opts, agent.WithTools(tools.NewRegistry(tools.EndCall(provider, callID))))
			}
			return agent.New(agentCfg, vars, opts...)
		},
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithHandshakeTimeout(cfg.HandshakeTimeout),
		server.WithFallbackMessage(cfg.FallbackMessage),
	}
	if cfg.ValidateSignature {
		opts = append(opts, server.WithSignatureValidation(cfg.Server, server.NewSignatureValidator(cfg.TwilioAuthToken)))
	}
	return server.New(provider, deps, opts...), nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func runBridge(ctx context.Context, stderr io.Writer, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	store, closeStore := newStore(cfg)
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing session store failed", "error", err)
		}
	}()

	srv, err := buildServer(cfg, store, logger)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting voice agent bridge",
		"addr", httpSrv.Addr,
		"server", cfg.Server,
		"session_store", cfg.SessionStore,
		"end_call_tool", cfg.EnableEndCallTool,
		"validate_signature", cfg.ValidateSignature,
	)

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
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.Drain()

	// Media streams are hijacked connections, so Shutdown does not wait for them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitRelays(waitCtx) {
		n := srv.CancelRelays()
		logger.Warn("cancelled live media streams", "count", n)
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), time.Second)
		srv.WaitRelays(cleanupCtx)
		cleanupCancel()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice agent bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "voiceagent: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "voiceagent: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}
