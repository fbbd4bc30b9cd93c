package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"

	"github.com/contazen/efactura-api/internal/application/efactura"
	"github.com/contazen/efactura-api/internal/domain/tax"
	"github.com/contazen/efactura-api/internal/infrastructure/anaf"
	"github.com/contazen/efactura-api/internal/infrastructure/postgres"
	"github.com/contazen/efactura-api/internal/infrastructure/ubl"
	httpRouter "github.com/contazen/efactura-api/internal/interfaces/http"
	"github.com/contazen/efactura-api/pkg/config"
	"github.com/contazen/efactura-api/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("load configuration: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: cfg.App.LogLevel,
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Str("anaf_env", cfg.ANAF.Environment).
		Msg("starting application")

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to PostgreSQL")
	}
	defer pool.Close()

	submissionRepo := postgres.NewSubmissionRepository(pool)
	invoiceStore := postgres.NewInvoiceStore(pool)

	rates, err := parseRates(cfg.Pipeline.VATRates)
	if err != nil {
		log.Fatal().Err(err).Str("vat_rates", cfg.Pipeline.VATRates).Msg("parse VAT rates")
	}
	engine := tax.NewEngine(rates, cfg.Pipeline.ReportingCurrency)
	encoder := ubl.NewEncoder(true)

	// Signing certificate: empty path means uploads go out unsigned, which
	// the sandbox accepts but production does not.
	var signer efactura.Signer
	var cert tls.Certificate
	if cfg.ANAF.CertPath != "" {
		cert, err = loadCertificate(cfg.ANAF)
		if err != nil {
			log.Fatal().Err(err).Msg("load signing certificate")
		}
		signer = ubl.NewXMLSigner()
	}

	// Gateway: stub in dev, real SPV client in test/prod.
	var gateway efactura.Gateway
	if cfg.ANAF.Environment == anaf.AppEnvDev || cfg.ANAF.Environment == "" {
		log.Warn().Msg("ANAF_ENV=dev: using the stub gateway, no real uploads")
		gateway = anaf.NewStubGateway()
	} else {
		baseURL, err := anaf.BaseURLFor(cfg.ANAF.Environment, cfg.ANAF.BaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("resolve gateway base URL")
		}
		gateway = anaf.NewClient(baseURL, cfg.ANAF.CIF,
			anaf.StaticTokenSource(cfg.ANAF.Token), cfg.ANAF.Timeout, cert)
	}

	svc := efactura.NewService(
		submissionRepo, invoiceStore, engine, encoder, ubl.DecodeStatus,
		signer, cert, gateway,
		efactura.Config{
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			PollInitial:    cfg.Pipeline.PollInitial,
			PollMax:        cfg.Pipeline.PollMax,
			AttemptTimeout: cfg.Pipeline.AttemptTimeout,
		},
		log,
	)

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	scheduler := efactura.NewScheduler(svc, submissionRepo, log,
		cfg.Pipeline.ScanInterval, cfg.Pipeline.Workers, 0)
	go func() {
		if err := scheduler.Run(schedulerCtx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	// Swagger UI: http://localhost:<port>/docs
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: "./docs/swagger.json",
		Path:     "docs",
		Title:    "e-Factura API",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		Efactura: svc,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, stopping...")

	stopScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	log.Info().Msg("application stopped")
}

// parseRates parses the comma separated VAT percent list from config.
func parseRates(csv string) ([]decimal.Decimal, error) {
	var rates []decimal.Decimal
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := decimal.NewFromString(part)
		if err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, nil
}

func loadCertificate(cfg config.ANAFConfig) (tls.Certificate, error) {
	lower := strings.ToLower(cfg.CertPath)
	if strings.HasSuffix(lower, ".p12") || strings.HasSuffix(lower, ".pfx") {
		return ubl.LoadCertFromP12(cfg.CertPath, cfg.CertPassword)
	}
	return ubl.LoadCertFromPEM(cfg.CertPath, cfg.CertKeyPath)
}
