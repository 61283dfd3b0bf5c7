// NookBridge RapidPro adapter
//
// Bridges the RapidPro SMS gateway onto the internal pub/sub bus: polls the
// gateway for inbound messages and dispatches outbound send commands.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
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
	"go.nookbridge.tech/internal/identity"
	"go.nookbridge.tech/internal/inbound"
	"go.nookbridge.tech/internal/outbound"
	"go.nookbridge.tech/internal/queue"
	natsqueue "go.nookbridge.tech/internal/queue/nats"
	"go.nookbridge.tech/internal/rapidpro"
	"go.nookbridge.tech/internal/sequencer"
	"go.nookbridge.tech/internal/watermark"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cryptoTokenFile := flag.String("crypto-token-file", "", "Project crypto file (service account key)")
	projectName := flag.String("project-name", "", "Project name")
	credentialsBucket := flag.String("credentials-bucket-name", "", "Bucket containing the RapidPro credentials token")
	lastUpdateTokenPath := flag.String("last-update-token-path", "", "File storing the timestamp sync token for incremental polling")
	flag.Parse()

	if *cryptoTokenFile == "" || *projectName == "" || *credentialsBucket == "" || *lastUpdateTokenPath == "" {
		fmt.Fprintln(os.Stderr, "error: --crypto-token-file, --project-name, --credentials-bucket-name and --last-update-token-path are required")
		flag.Usage()
		os.Exit(2)
	}

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
		Str("project", *projectName).
		Msg("Starting NookBridge RapidPro adapter")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sync token must exist before anything connects; starting without
	// one would re-ingest the gateway's entire history.
	syncStore := watermark.NewStore(*lastUpdateTokenPath)
	if _, err := syncStore.Read(); err != nil {
		log.Fatal().Err(err).Str("path", *lastUpdateTokenPath).Msg("Missing or empty rapidpro sync token")
	}

	account, err := config.LoadServiceAccount(*cryptoTokenFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load service account")
	}

	creds, err := config.DownloadRapidProCredentials(ctx, *cryptoTokenFile, *credentialsBucket, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to download RapidPro credentials")
	}

	gatewayCfg := rapidpro.DefaultConfig()
	gatewayCfg.Domain = creds.Domain
	gatewayCfg.Token = creds.Token
	gateway := rapidpro.NewClient(gatewayCfg)

	log.Info().Str("uri", maskURI(cfg.Mongo.URI)).Msg("Connecting to MongoDB")
	mongoCtx, mongoCancel := context.WithTimeout(ctx, 15*time.Second)
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	mongoCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping MongoDB")
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	table := identity.NewTable(
		identity.NewMongoStore(db, cfg.Identity.Table),
		cfg.Identity.Table, cfg.Identity.TokenPrefix)

	natsCfg := natsqueue.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.ProjectID = account.ProjectID
	natsCfg.Workers = cfg.NATS.Workers
	natsClient, err := natsqueue.NewClient(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}

	commandPublisher, err := natsClient.Publisher(ctx, cfg.Topics.Command)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create command publisher")
	}

	// Outbound: send commands run single-file under the sequencer; any
	// dispatch failure halts the stream and takes the bridge down.
	dispatcher := outbound.NewDispatcher(gateway, table, outbound.DefaultConfig())
	seq := sequencer.New(func(msg queue.Message) error {
		return dispatcher.Handle(ctx, msg)
	}, sequencer.DefaultConfig())

	terminal := make(chan error, 2)
	subscription, err := natsClient.Subscribe(ctx, cfg.Topics.Outgoing, cfg.Topics.OutgoingSubscription,
		func(msg queue.Message) {
			if err := seq.Submit(msg); err != nil && !errors.Is(err, sequencer.ErrHalted) {
				select {
				case terminal <- err:
				default:
				}
			}
		})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to outgoing topic")
	}

	// Inbound: the poller idles between cycles, watching the sequencer so a
	// dispatcher failure also terminates polling.
	poller := inbound.NewPoller(gateway, table, commandPublisher, syncStore,
		inbound.DefaultConfig(), seq.LastError)
	pollCtx, pollCancel := context.WithCancel(ctx)
	go func() {
		if err := poller.Run(pollCtx); err != nil {
			select {
			case terminal <- err:
			default:
			}
		}
	}()

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.MongoCheck(func(ctx context.Context) error {
		return mongoClient.Ping(ctx, readpref.Primary())
	}))
	healthChecker.AddReadinessCheck(health.NATSCheck(func() bool {
		return natsClient.Connection().IsConnected()
	}))

	httpServer := newHTTPServer(cfg.HTTPAddr, healthChecker)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Starting health/metrics server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("http-server", httpServer.Shutdown)
	manager.RegisterQueueShutdown("outgoing-subscription", func(ctx context.Context) error {
		subscription.Cancel()
		return subscription.Wait()
	})
	manager.RegisterWorkerShutdown("inbound-poller", func(ctx context.Context) error {
		pollCancel()
		return nil
	})
	manager.RegisterDatabaseShutdown("mongodb", mongoClient.Disconnect)
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

// maskURI hides credentials embedded in a connection string.
func maskURI(uri string) string {
	at := strings.IndexByte(uri, '@')
	scheme := strings.Index(uri, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
