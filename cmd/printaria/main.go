// Package main starts the printaria order service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/printaria/printaria-system/internal/cache"
	"github.com/printaria/printaria-system/internal/config"
	"github.com/printaria/printaria-system/internal/gateway"
	"github.com/printaria/printaria-system/internal/handler"
	"github.com/printaria/printaria-system/internal/middleware"
	"github.com/printaria/printaria-system/internal/notification"
	"github.com/printaria/printaria-system/internal/repository"
	"github.com/printaria/printaria-system/internal/service"
	"github.com/printaria/printaria-system/internal/shipping"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var quoteCache *cache.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		quoteCache = cache.New(rdb)
		defer rdb.Close()
	}

	quoter := shipping.NewClient(cfg.ShippingProviderURLs, cfg.ShippingQuoteTimeout, quoteCache, logger)

	gw, err := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayWebhookSecret, cfg.GatewayEncryptionKey)
	if err != nil {
		sugar.Fatalw("gateway initialization error", "error", err.Error())
	}

	notifier := notification.NewNotifier(cfg.MailRelayURL, cfg.SecurityHookURL, logger)

	svc := service.NewService(repo, quoter, gw, notifier, logger, service.Limits{
		MinOrderAmount:     cfg.MinOrderAmount,
		MaxOrderAmount:     cfg.MaxOrderAmount,
		MaxQuantityPerItem: cfg.MaxQuantityPerItem,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, gw, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	notifier.Start(ctx)

	g.Go(func() error {
		sugar.Infow("starting printaria server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
