// Package main запускает HTTP-сервер маркетплейса доставки еды.
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

	"github.com/mmeshcher/delivery-system/internal/config"
	"github.com/mmeshcher/delivery-system/internal/gateway"
	"github.com/mmeshcher/delivery-system/internal/handler"
	"github.com/mmeshcher/delivery-system/internal/middleware"
	"github.com/mmeshcher/delivery-system/internal/realtime"
	"github.com/mmeshcher/delivery-system/internal/repository"
	"github.com/mmeshcher/delivery-system/internal/service"
)

const earningSweepInterval = 5 * time.Minute

func main() {
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

	registry := buildRegistry(cfg, logger)

	hub := realtime.NewHub(logger)

	svc := service.NewService(repo, registry, hub, logger)
	defer svc.Close()

	secret := cfg.AuthSecret
	if secret == "" {
		secret = "delivery-secret"
	}
	authMiddleware := middleware.NewAuthMiddleware(secret)
	h := handler.NewHandler(svc, logger, authMiddleware, hub)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового перевода созревших начислений в AVAILABLE
	svc.StartEarningSweep(ctx, earningSweepInterval)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting delivery server", "addr", cfg.RunAddress)
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

// buildRegistry собирает реестр платёжных провайдеров из конфигурации.
// Провайдер без учётных данных не попадает в реестр вовсе.
func buildRegistry(cfg *config.Config, logger *zap.Logger) *gateway.Registry {
	var adapters []gateway.PaymentGateway

	if cfg.MercadoPagoAccessToken != "" {
		adapters = append(adapters, gateway.NewMercadoPago(gateway.MercadoPagoConfig{
			AccessToken:   cfg.MercadoPagoAccessToken,
			WebhookSecret: cfg.MercadoPagoWebhookSecret,
			Enabled:       cfg.MercadoPagoEnabled,
		}, logger))
	}

	if cfg.PagarmeSecretKey != "" {
		adapters = append(adapters, gateway.NewPagarme(gateway.PagarmeConfig{
			SecretKey:     cfg.PagarmeSecretKey,
			WebhookSecret: cfg.PagarmeWebhookSecret,
			Enabled:       cfg.PagarmeEnabled,
		}, logger))
	}

	if cfg.PixKey != "" {
		adapters = append(adapters, gateway.NewPixLocal(gateway.PixLocalConfig{
			PixKey:        cfg.PixKey,
			MerchantName:  cfg.PixMerchantName,
			MerchantCity:  cfg.PixMerchantCity,
			WebhookSecret: cfg.PixWebhookSecret,
			Enabled:       cfg.PixLocalEnabled,
		}))
	}

	return gateway.NewRegistry(gateway.RegistryConfig{
		DefaultGateway: cfg.DefaultGateway,
		PixEnabled:     cfg.PixEnabled,
		CardEnabled:    cfg.CardEnabled,
		CashEnabled:    cfg.CashEnabled,
	}, adapters...)
}
