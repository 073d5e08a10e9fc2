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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"gigchat/internal/api"
	"gigchat/internal/attach"
	"gigchat/internal/chat"
	"gigchat/internal/config"
	"gigchat/internal/db"
	"gigchat/internal/feed"
	"gigchat/internal/logging"
	"gigchat/internal/metrics"
	myMiddleware "gigchat/internal/middleware"
	"gigchat/internal/presence"
	"gigchat/internal/session"
	"gigchat/internal/user"
)

func main() {
	var cfgFile string
	v := config.New()

	root := &cobra.Command{
		Use:           "gigchat-server",
		Short:         "Realtime chat between requesters and providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log)
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml/json/toml)")
	root.Flags().String("addr", ":8080", "http service address")
	v.BindPFlag("addr", root.Flags().Lookup("addr"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("❌ server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	// 1. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer database.Close()
	slog.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(cfg.FeedChannel); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("✅ Database Schema Initialized")

	// 2. Presence backend
	var channel presence.Channel
	switch cfg.PresenceBackend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		slog.Info("✅ Connected to Redis")
		channel = presence.NewRedisChannel(redisClient, cfg.PresenceTTL)
	default:
		channel = presence.NewMemoryChannel()
		slog.Warn("presence is process-local; run a single instance")
	}
	tracker := presence.NewTracker(channel, cfg.PresenceHeartbeat)

	// 3. Attachment storage
	files, err := attach.Open(ctx, cfg.StorageURL)
	if err != nil {
		return err
	}
	defer files.Close()

	// 4. Features
	m := metrics.New()

	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	chatRepo := chat.NewRepository(database.Conn)

	hub := feed.NewHub(
		feed.NewPGSource(cfg.DBDSN, cfg.FeedChannel),
		feed.WithLoader(chatRepo),
		feed.WithEventHook(func(e feed.Event) { m.FeedEvent(feed.Kind(e)) }),
	)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	chatHandler := api.NewHandler(session.Deps{
		Store:    chatRepo,
		Uploader: files,
		Names:    userService,
		Feed:     hub,
		Presence: tracker,
		Metrics:  m,
	}, files, session.WithSendTimeout(cfg.SendTimeout))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/conversations", chatHandler.Conversations)
		r.Get("/api/attachments", chatHandler.Attachment)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)
	})

	// Service Routes (Require the service key)
	if cfg.NotifyServiceKey != "" {
		r.With(myMiddleware.RequireServiceKey(cfg.NotifyServiceKey)).Post("/api/notifications", chatHandler.Notify)
	} else {
		slog.Warn("notify.service_key is not set; POST /api/notifications is disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("🚀 Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// Closing the hub ends every websocket session.
	stopHub()
	return nil
}
