package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/api"
	"github.com/ashureev/oochat/internal/autonomy"
	"github.com/ashureev/oochat/internal/chat"
	"github.com/ashureev/oochat/internal/conversation"
	"github.com/ashureev/oochat/internal/identity"
	"github.com/ashureev/oochat/internal/middleware"
	"github.com/ashureev/oochat/internal/session"
	"github.com/ashureev/oochat/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)
	slog.Info("Database connected")

	ident := identity.NewManager(repo, identity.NewHTTPAuthority(cfg.AuthURL, nil))
	id, err := ident.EnsureIdentity(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize identity: %w", err)
	}
	slog.Info("Identity ready", "address", id.ShortAddress())

	convs := conversation.NewStore(repo)
	if err := convs.Load(ctx); err != nil {
		return err
	}
	for _, address := range cfg.Agents {
		convs.AddAgent(address)
	}
	if cfg.DefaultAgentAddress != "" {
		convs.AddAgent(cfg.DefaultAgentAddress)
	}

	conversationLogger, err := chat.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation logger: %w", err)
	}

	adapter := session.NewAdapter(agent.NewWSDialer(cfg.RelayURL, ident))
	auto := autonomy.NewController(adapter, cfg.Autonomy.DefaultTurns, cfg.Autonomy.ContinueTurns)
	svc := chat.NewService(convs, adapter, auto, chat.Options{
		DefaultAgent:   cfg.DefaultAgentAddress,
		OnboardTimeout: cfg.OnboardTimeout,
		Identity:       ident,
		Logger:         conversationLogger,
	})

	var dir agent.Directory = agent.NewHTTPDirectory(cfg.RelayURL, nil)
	if cfg.RelayGRPCAddr != "" {
		presence, err := agent.NewHealthDirectory(agent.DefaultHealthDirectoryConfig(cfg.RelayGRPCAddr), dir, logger)
		if err != nil {
			slog.Warn("Relay presence unavailable, online status comes from the directory only", "error", err)
		} else {
			defer presence.Close()
			dir = presence
		}
	}
	dir = agent.NewCachedDirectory(dir, cfg.DirectoryTTL)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins()))

	api.NewHandler(ident, svc, convs, dir, repo, cfg).RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE connections require no WriteTimeout; keepalive pings hold them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	identity.StartRefreshWorker(gctx, ident, cfg.AuthRefresh)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := convs.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close conversation store: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// allowedOrigins lists FRONTEND_URL when set; loopback origins are always
// allowed by the middleware.
func allowedOrigins() []string {
	if cfg.FrontendURL == "" {
		return nil
	}
	return []string{cfg.FrontendURL}
}
