package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/db"
	"github.com/jooray/cashupayserver/db/migrations"
	"github.com/jooray/cashupayserver/lib/logging"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/jooray/cashupayserver/lib/transport"
	"github.com/jooray/cashupayserver/mint"
	"github.com/jooray/cashupayserver/rabbitmq"
	"github.com/jooray/cashupayserver/rates"
	"github.com/kelseyhightower/envconfig"
	"github.com/uptrace/bun/migrate"
)

// @title        CashuPayServer
// @version      0.1.0
// @description  Ecash payment gateway accepting Lightning payments into Cashu mint wallets per store.

// @BasePath  /
// @schemes   https http
func main() {

	c := &service.Config{}

	// Load configruation from environment variables
	err := godotenv.Load(".env")
	if err != nil {
		fmt.Println("Failed to load .env file")
	}
	err = envconfig.Process("", c)
	if err != nil {
		log.Fatalf("Error loading environment variables: %v", err)
	}

	// Setup logging to STDOUT or a configrued log file
	logger := logging.Logger(c.LogFilePath, c.LogLevel)

	// Open a DB connection based on the configured DATABASE_URI
	dbConn, err := db.Open(c)
	if err != nil {
		logger.Fatalf("Error initializing db connection: %v", err)
	}

	// Migrate the DB
	startupCtx := context.Background()
	migrator := migrate.NewMigrator(dbConn, migrations.Migrations)
	err = migrator.Init(startupCtx)
	if err != nil {
		logger.Fatalf("Error initializing db migrator: %v", err)
	}
	_, err = migrator.Migrate(startupCtx)
	if err != nil {
		logger.Fatalf("Error migrating database: %v", err)
	}

	// Setup exception tracking with Sentry if configured
	// sentry init needs to happen before the echo middlewares are added
	if c.SentryDSN != "" {
		if err = sentry.Init(sentry.ClientOptions{
			Dsn:              c.SentryDSN,
			IgnoreErrors:     []string{"401"},
			EnableTracing:    c.SentryTracesSampleRate > 0,
			TracesSampleRate: c.SentryTracesSampleRate,
		}); err != nil {
			logger.Errorf("sentry init error: %v", err)
		}
	}

	mintClient := mint.NewRestClient(time.Duration(c.MintTimeout) * time.Second)
	ratesClient := rates.NewFallbackClient(time.Duration(c.MintTimeout) * time.Second)

	// If no RABBITMQ_URI was provided we will not attempt to create a client
	// No rabbitmq features will be available in this case.
	var rabbitmqPublisher rabbitmq.Publisher
	if c.RabbitMQUri != "" {
		rabbitmqPublisher, err = rabbitmq.Dial(c.RabbitMQUri,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithWebhookExchange(c.RabbitMQWebhookExchange),
		)
		if err != nil {
			logger.Fatal(err)
		}
		// close the connection gently at the end of the runtime
		defer rabbitmqPublisher.Close()
	}

	svc := &service.GatewayService{
		Config:            c,
		DB:                dbConn,
		Logger:            logger,
		MintClient:        mintClient,
		RatesClient:       ratesClient,
		RabbitMQPublisher: rabbitmqPublisher,
		Clock:             clockwork.NewRealClock(),
	}

	//init echo server
	e := transport.InitEcho(c, logger)
	logMw := transport.CreateLoggingMiddleware(logger)
	// strict rate limit for requests that move money
	strictRateLimitMiddleware := transport.CreateRateLimitMiddleware(c.StrictRateLimit, c.BurstRateLimit)
	transport.RegisterEndpoints(svc, e, strictRateLimitMiddleware, logMw)

	var backgroundWg sync.WaitGroup
	backGroundCtx, _ := signal.NotifyContext(context.Background(), os.Interrupt)

	// Internal scheduler loop, for deployments without an external cron
	if c.SchedulerInterval > 0 {
		backgroundWg.Add(1)
		go func() {
			defer backgroundWg.Done()
			ticker := time.NewTicker(time.Duration(c.SchedulerInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-backGroundCtx.Done():
					svc.Logger.Info("Scheduler loop done")
					return
				case <-ticker.C:
					svc.RunBackgroundTasks(backGroundCtx, common.TriggerExternal)
				}
			}
		}()
	}

	// Start server
	go func() {
		if err := e.Start(fmt.Sprintf(":%v", c.Port)); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server", err)
		}
	}()

	<-backGroundCtx.Done()
	// start graceful shutdown of background routines
	backgroundWg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		e.Logger.Fatal(err)
	}
}
