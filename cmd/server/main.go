package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terryong31/nego-lah/internal/config"
	"github.com/terryong31/nego-lah/internal/database"
	"github.com/terryong31/nego-lah/internal/handler"
	"github.com/terryong31/nego-lah/internal/logging"
	"github.com/terryong31/nego-lah/internal/repository"
	"github.com/terryong31/nego-lah/internal/responder"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using default values: %v", err)
	}

	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("❌ Server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var resp responder.Responder = responder.Canned{Seller: cfg.SellerName}
	if cfg.AIAPIURL != "" {
		resp = responder.NewHTTPResponder(cfg.AIAPIURL, cfg.AIAPIKey)
	} else {
		logger.Warn("AI_API_URL not set, using canned replies")
	}

	h := handler.New(store, resp, cfg, logger)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS", "PUT"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(h.SetupRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	banner(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Hub.Run()
		return nil
	})
	g.Go(func() error {
		logger.Info("🚀 Server started successfully", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		h.Hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore picks MySQL when DB_NAME is set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.ConversationStore, func(), error) {
	if cfg.DBName == "" {
		logger.Warn("DB_NAME not set, conversations are kept in memory")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := database.Init(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := repository.NewMySQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, func() { db.Close() }, nil
}

func banner(cfg config.Config) {
	fmt.Println("========================================")
	fmt.Println("  Nego-lah Chat Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	if cfg.DBName != "" {
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Printf("  Seller: %s\n", cfg.SellerName)
	fmt.Println("========================================")
}
