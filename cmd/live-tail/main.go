package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/realtime/internal/config"
	"github.com/weiawesome/wes-io-live/realtime/internal/connection"
	"github.com/weiawesome/wes-io-live/realtime/internal/credential"
	"github.com/weiawesome/wes-io-live/realtime/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime/internal/feed"
	"github.com/weiawesome/wes-io-live/realtime/internal/handler"
	"github.com/weiawesome/wes-io-live/realtime/internal/room"
	"github.com/weiawesome/wes-io-live/realtime/internal/router"
	"github.com/weiawesome/wes-io-live/realtime/internal/transport"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential provider
	creds, closeCreds, err := newCredentialProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Credential.Driver).Msg("failed to initialize credential provider")
	}
	defer closeCreds()

	// Realtime connection
	r := router.New()
	dialer := transport.NewWebSocketDialer(cfg.WebSocket, http.Header{"User-Agent": {"live-tail"}}, logger)
	manager := connection.New(cfg.Realtime, dialer, creds, r, connection.WithLogger(logger))
	session := room.NewSession(manager, r, room.WithLogger(logger))
	defer session.Close()

	events := feed.NewAggregateFeed(r, nil, feed.WithCapacity(cfg.Feed.Capacity), feed.WithLogger(logger))
	defer events.Close()

	tail(r, logger)

	var stream handler.Stream
	if cfg.Stream.ID != "" {
		sf, err := feed.NewStreamFeed(session, r, cfg.Stream.ID,
			feed.WithCapacity(cfg.Feed.ChatCapacity), feed.WithLogger(logger))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to follow stream")
		}
		defer sf.Close()
		stream = sf
	}

	manager.Start(ctx)
	// Runs before the deferred feed and session closes.
	defer manager.Stop()

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(pkglog.GinMiddleware(logger))
	handler.NewHandler(ctx, manager, session, events, stream).RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", server.Addr).
			Str(pkglog.FieldEndpoint, cfg.Realtime.Endpoint).
			Str(pkglog.FieldStreamID, cfg.Stream.ID).
			Msg("live-tail starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down live-tail")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("live-tail exited with error")
		manager.Stop()
		os.Exit(1)
	}
	logger.Info().Msg("live-tail stopped")
}

func newCredentialProvider(cfg *config.Config, logger zerolog.Logger) (credential.Provider, func(), error) {
	var (
		next   credential.Provider
		closer = func() {}
	)

	switch cfg.Credential.Driver {
	case config.DriverFile:
		p, err := credential.NewFileProvider(cfg.Credential.File, logger)
		if err != nil {
			return nil, nil, err
		}
		next, closer = p, func() { p.Close() }
	case config.DriverRedis:
		store, err := credential.NewRedisStore(cfg.Redis, cfg.Credential.Subject)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis credential store connected")
		next, closer = store, func() { store.Close() }
	default:
		next = credential.Static(cfg.Credential.Token)
	}

	return credential.NewJWTGuard(next, logger), closer, nil
}

// tail logs the envelopes a viewer would see.
func tail(r *router.Router, logger zerolog.Logger) {
	r.Subscribe(domain.KindWildcard, func(env domain.Envelope) {
		payload, err := domain.DecodePayload(env)
		if err != nil {
			logger.Warn().Err(err).Str(pkglog.FieldEventType, env.Type.String()).Msg("undecodable envelope")
			return
		}

		switch p := payload.(type) {
		case domain.ChatPayload:
			logger.Info().
				Str(pkglog.FieldStreamID, env.StreamID).
				Str("username", p.Username).
				Str("text", p.Text).
				Msg("chat")
		case domain.ViewerCountPayload:
			logger.Info().Str(pkglog.FieldStreamID, env.StreamID).Int("viewers", p.Count).Msg("viewer count")
		case domain.NotificationPayload:
			logger.Info().Str("title", p.Title).Str("level", p.Level).Msg(p.Message)
		case domain.AchievementPayload:
			logger.Info().Str("id", p.ID).Str("title", p.Title).Msg("achievement unlocked")
		case domain.QuestProgressPayload:
			logger.Info().Str(pkglog.FieldQuestID, p.QuestID).Float64("progress", p.Progress).Msg("quest progress")
		case domain.ConnectionPayload:
			logger.Info().Str(pkglog.FieldState, p.State).Bool("connected", p.Connected).Msg("connection")
		default:
			logger.Debug().Str(pkglog.FieldEventType, env.Type.String()).Str("data", string(env.Data)).Msg("envelope")
		}
	})
}
