package main

import (
	"context"
	"crypto/rsa"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hdex/consent/internal/config"
	"github.com/hdex/consent/internal/domain/consent"
	"github.com/hdex/consent/internal/platform/broker"
	"github.com/hdex/consent/internal/platform/db"
	"github.com/hdex/consent/internal/platform/gateway"
	"github.com/hdex/consent/internal/platform/middleware"
	"github.com/hdex/consent/internal/platform/registry"
	"github.com/hdex/consent/internal/platform/signer"
)

const pinTokenLifetime = 10 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "consent-server",
		Short: "Consent lifecycle and notification engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consent API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the consent schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			return db.EnsureSchema(ctx, pool)
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Artefact signing key
	artefactSigner, err := signer.Load(cfg.SigningKeyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signing key")
	}

	// PIN token verification key. Development falls back to the artefact
	// key pair so the revoke path stays exercisable without the user
	// service's key.
	var pinKey *rsa.PublicKey
	if cfg.PinTokenPublicKeyFile != "" {
		pinKey, err = signer.LoadPublicKey(cfg.PinTokenPublicKeyFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load pin token key")
		}
	} else {
		pinKey = artefactSigner.Public()
	}

	// Broker topology
	table := broker.RoutingTable{
		consent.ChannelRequestCreated: {Exchange: cfg.BrokerExchange, RoutingKey: cfg.RequestQueue},
		consent.ChannelToHIU:          {Exchange: cfg.BrokerExchange, RoutingKey: cfg.HIUQueue},
		// HIP messages carry the HIP id as routing key so provider-side
		// consumers can bind selectively; our delivery queue rides a
		// fanout exchange and sees them all.
		consent.ChannelToHIP: {Exchange: cfg.BrokerExchange + ".hip", RoutingKey: cfg.HIPQueue, Kind: "fanout"},
	}
	if err := table.Require(consent.ChannelRequestCreated, consent.ChannelToHIU, consent.ChannelToHIP); err != nil {
		logger.Fatal().Err(err).Msg("incomplete broker routing table")
	}

	brokerClient, err := broker.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer brokerClient.Close()
	if err := brokerClient.DeclareTopology(table); err != nil {
		logger.Fatal().Err(err).Msg("failed to declare broker topology")
	}
	logger.Info().Msg("connected to broker")

	publisher := broker.NewPublisher(brokerClient, table, logger)

	// External collaborators
	providers := registry.NewProviderClient(cfg.RegistryBaseURL, cfg.ServiceCallTimeout)
	users := registry.NewUserClient(cfg.UserServiceBaseURL, cfg.ServiceCallTimeout)
	gatewayClient := gateway.New(cfg.GatewayBaseURL, logger)

	// Consent manager
	notifier := consent.NewNotifier(publisher, logger)
	svc := consent.NewService(
		consent.NewRequestRepoPG(pool),
		consent.NewArtefactRepoPG(pool),
		notifier,
		providers,
		users,
		consent.DefaultVocabulary(),
		artefactSigner,
		consent.NewGatewayResponder(gatewayClient),
		consent.ServiceConfig{
			DefaultPageSize: cfg.DefaultPageSize,
			MaxPageSize:     cfg.MaxPageSize,
			LookupTimeout:   cfg.ServiceCallTimeout,
		},
		logger,
	)
	pinVerifier := consent.NewPinVerifier(pinKey, consent.NewMemoryReplayTracker(pinTokenLifetime))

	// Broker listeners
	listenerCtx, stopListeners := context.WithCancel(ctx)
	defer stopListeners()

	listeners := make([]*broker.Listener, 0, 3)
	for queue, handler := range map[string]broker.Handler{
		cfg.RequestQueue: consent.NewRequestCreatedHandler(cfg.TrustedHIUs, users, svc, consent.LogPatientNotifier{Log: logger}, logger),
		cfg.HIUQueue:     consent.NewHIUNotificationHandler(gatewayClient, svc, logger),
		cfg.HIPQueue:     consent.NewHIPNotificationHandler(providers, gatewayClient, svc, logger),
	} {
		l, err := broker.NewListener(brokerClient, queue, handler, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("queue", queue).Msg("failed to create listener")
		}
		if err := l.Start(listenerCtx); err != nil {
			logger.Fatal().Err(err).Str("queue", queue).Msg("failed to start listener")
		}
		listeners = append(listeners, l)
	}

	// Expiry sweepers
	requestExpiry := consent.NewRequestExpiry(
		consent.NewRequestRepoPG(pool), notifier,
		cfg.RequestExpiry, cfg.SweepInterval, 100, logger)
	artefactExpiry := consent.NewArtefactExpiry(
		consent.NewArtefactRepoPG(pool), consent.NewRequestRepoPG(pool), notifier,
		cfg.SweepInterval, 100, logger)
	requestExpiry.Start()
	artefactExpiry.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", consent.HeaderPatientID, consent.HeaderPinToken},
	}))

	e.GET("/health", db.HealthHandler(pool))

	consent.NewHandler(svc, pinVerifier).RegisterRoutes(e.Group("/v1"))

	// Serve
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("consent server started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	for _, l := range listeners {
		l.Stop()
	}
	stopListeners()
	requestExpiry.Stop()
	artefactExpiry.Stop()

	logger.Info().Msg("stopped")
	return nil
}
