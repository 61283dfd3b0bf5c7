// NookBridge command router
//
// Consumes bus commands from the SMS channel topic, fans multi-recipient
// sends back out as plain send commands, and applies opinions and ingested
// messages to the conversation store.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.nookbridge.tech/internal/common/health"
	"go.nookbridge.tech/internal/common/lifecycle"
	"go.nookbridge.tech/internal/config"
	"go.nookbridge.tech/internal/opinion"
	"go.nookbridge.tech/internal/queue"
	natsqueue "go.nookbridge.tech/internal/queue/nats"
	"go.nookbridge.tech/internal/router"
	"go.nookbridge.tech/internal/sequencer"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <crypto-token-file>\n", os.Args[0])
		os.Exit(2)
	}
	cryptoTokenFile := os.Args[1]

	zerolog.TimeFieldFormat = time.RFC3339

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", version).
		Str("buildTime", buildTime).
		Msg("Starting NookBridge command router")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	account, err := config.LoadServiceAccount(cryptoTokenFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load service account")
	}

	healthChecker := health.NewChecker()

	var (
		mongoClient *mongo.Client
		store       router.OpinionStore
	)
	if cfg.Router.StoreEnabled {
		mongoCtx, mongoCancel := context.WithTimeout(ctx, 15*time.Second)
		mongoClient, err = mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
		mongoCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
		}
		if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping MongoDB")
		}
		db := mongoClient.Database(cfg.Mongo.Database)
		store = opinion.NewStore(opinion.NewMongoRepo(db))

		healthChecker.AddReadinessCheck(health.MongoCheck(func(ctx context.Context) error {
			return mongoClient.Ping(ctx, readpref.Primary())
		}))
	} else {
		log.Warn().Msg("Conversation store disabled, relaying sends only")
	}

	natsCfg := natsqueue.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.ProjectID = account.ProjectID
	natsCfg.Workers = cfg.NATS.Workers
	natsClient, err := natsqueue.NewClient(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	healthChecker.AddReadinessCheck(health.NATSCheck(func() bool {
		return natsClient.Connection().IsConnected()
	}))

	outgoingPublisher, err := natsClient.Publisher(ctx, cfg.Topics.Outgoing)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create outgoing publisher")
	}

	rtr := router.New(outgoingPublisher, store, router.Config{StoreEnabled: cfg.Router.StoreEnabled})

	// Commands run single-file; the first routing failure halts the stream
	// and the process exits so redelivery restarts from a clean slate.
	seq := sequencer.New(func(msg queue.Message) error {
		return rtr.Handle(ctx, msg)
	}, sequencer.DefaultConfig())

	terminal := make(chan error, 1)
	subscription, err := natsClient.Subscribe(ctx, cfg.Topics.Command, cfg.Topics.CommandSubscription,
		func(msg queue.Message) {
			if err := seq.Submit(msg); err != nil && !errors.Is(err, sequencer.ErrHalted) {
				select {
				case terminal <- err:
				default:
				}
			}
		})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to command topic")
	}

	httpServer := newHTTPServer(cfg.HTTPAddr, healthChecker)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Starting health/metrics server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("http-server", httpServer.Shutdown)
	manager.RegisterQueueShutdown("command-subscription", func(ctx context.Context) error {
		subscription.Cancel()
		return subscription.Wait()
	})
	if mongoClient != nil {
		manager.RegisterDatabaseShutdown("mongodb", mongoClient.Disconnect)
	}
	manager.RegisterDatabaseShutdown("nats", func(ctx context.Context) error {
		return natsClient.Close()
	})

	log.Info().Msg("Setup complete")

	var terminalErr error
	go func() {
		if err := <-terminal; err != nil {
			terminalErr = err
			log.Error().Err(err).Msg("Terminal error")
			manager.Shutdown()
		}
	}()

	fromSignal := manager.WaitForSignal()
	if err := manager.Execute(); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown incomplete")
	}

	if !fromSignal && terminalErr != nil {
		os.Exit(1)
	}
	log.Info().Msg("Teardown complete")
}

func newHTTPServer(addr string, checker *health.Checker) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", checker.HandleHealth)
	r.Get("/q/health/live", checker.HandleLive)
	r.Get("/q/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	return &http.Server{Addr: addr, Handler: r}
}
