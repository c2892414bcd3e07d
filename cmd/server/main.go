package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/api"
	"github.com/balu-dk/go-ocpi/internal/client"
	"github.com/balu-dk/go-ocpi/internal/credentials"
	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/metrics"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	ocppbridge "github.com/balu-dk/go-ocpi/internal/ocpp"
	syncer "github.com/balu-dk/go-ocpi/internal/sync"
	"github.com/balu-dk/go-ocpi/internal/tokens"
	"github.com/balu-dk/go-ocpi/internal/versions"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.Info("Starting OCPI hub")

	identity, err := ocpi.NewPartyID(cfg.CountryCode, cfg.PartyCode)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid party identity")
	}
	role, err := ocpi.ParseRole(cfg.Role)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid party role")
	}

	// Connect to database, or fall back to the in-memory store when no
	// DB_HOST is configured.
	var store db.Store
	if cfg.DBHost != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := db.NewPostgresStore(ctx, cfg.GetDSN())
		cancel()
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to database")
		}
		store = pg
	} else {
		logrus.Warn("DB_HOST not set, running on the in-memory store")
		store = db.NewMemoryStore()
	}
	defer store.Close()

	// Wire services
	m := metrics.New(prometheus.DefaultRegisterer)
	registry := tokens.NewRegistry(store, cfg.TokenGrace)
	negotiator := versions.NewNegotiator(http.DefaultClient, ocpi.SupportedVersions)
	local := credentials.LocalParty{
		Roles: []ocpi.CredentialsRole{{
			Role:    role,
			PartyID: identity,
			BusinessDetails: ocpi.BusinessDetails{
				Name:    cfg.PartyName,
				Website: cfg.Website,
			},
		}},
		VersionsURL: cfg.BaseURL + "/ocpi/versions",
	}
	registrar := credentials.NewRegistrar(store, registry, negotiator, local)
	synchronizer := syncer.NewSynchronizer(store, m)
	hubClient := client.New(http.DefaultClient, store, negotiator, registrar, registry)
	pusher := syncer.NewPusher(store, hubClient, m)
	pusher.SetBackoff(cfg.PushBackoffInitial, cfg.PushBackoffMax)

	// Create API server
	apiServer := api.NewAPI(api.Deps{
		Store:        store,
		Registry:     registry,
		Registrar:    registrar,
		Sync:         synchronizer,
		Pusher:       pusher,
		Client:       hubClient,
		Metrics:      m,
		BaseURL:      cfg.BaseURL,
		AdminSecret:  cfg.AdminSecret,
		OpenVersions: cfg.OpenVersions,
	})

	// Start OCPP central system
	if cfg.OCPPEnabled {
		bridge := ocppbridge.NewBridge(synchronizer, identity, cfg.OCPPPort, cfg.OCPPPath, cfg.HeartbeatInterval)
		go bridge.Start()
	}

	// Start API server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: apiServer,
	}

	// Run the server in a goroutine
	go func() {
		logrus.Infof("Starting API server on port %d", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for the shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Attempt to gracefully shut down the server
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	logrus.Info("Server exited")
}
