// Package main запускает HTTP-сервер сервиса artgen.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/artgen-system/internal/config"
	"github.com/mmeshcher/artgen-system/internal/handler"
	"github.com/mmeshcher/artgen-system/internal/middleware"
	"github.com/mmeshcher/artgen-system/internal/provider"
	"github.com/mmeshcher/artgen-system/internal/repository"
	"github.com/mmeshcher/artgen-system/internal/service"
	"github.com/mmeshcher/artgen-system/internal/signature"
)

func main() {
	// .env необязателен: в контейнере конфигурация приходит через окружение.
	_ = godotenv.Load()

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

	var prov service.Provider
	if cfg.ProviderAddress != "" {
		prov = provider.NewClient(cfg.ProviderAddress)
	}

	svc := service.NewService(repo, prov, logger, service.Options{
		ClawbackOnRefund:  cfg.ClawbackOnRefund,
		ReconcileInterval: cfg.ReconcileInterval,
		DispatchTimeout:   cfg.DispatchTimeout,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware,
		signature.New(cfg.PaymentWebhookSecret),
		signature.New(cfg.PaymentCallbackSecret),
		cfg.PaymentSuccessURL)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки статусов задач с провайдером
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting artgen server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
