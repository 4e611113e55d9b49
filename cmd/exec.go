package cmd

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/escrow"
	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/handlers"
	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/monitoring"
	"ticket-marketplace/security"
	"ticket-marketplace/utils"
)

func Start() error {
	app := pocketbase.New()

	cfg := config.LoadConfig()

	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// User notifications go through PubNub when keys are configured,
	// otherwise they are dropped.
	var notifier services.Notifier = services.NopNotifier{}
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		notifier = services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
	}

	// Domain events stream to NATS JetStream when a server is configured.
	var sink events.Sink = events.NopSink{}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return err
		}
		defer nc.Close()

		publisher, err := events.NewPublisher(nc)
		if err != nil {
			return err
		}
		sink = publisher
	}

	gateway := escrow.NewLedgerClient(cfg.LedgerURL, cfg.LedgerAPIKey, cfg.LedgerTimeout, redisClient)
	monitor := monitoring.NewMonitor(redisClient)

	st := store.New(app)

	distributionService := services.NewDistributionService(st, gateway, notifier, sink, monitor, cfg)
	transferService := services.NewTransferService(st, gateway, notifier, sink, redisClient, monitor, distributionService, cfg)
	auctionService := services.NewAuctionService(st, gateway, notifier, sink, redisClient, monitor, distributionService, cfg)
	sweeperService := services.NewSweeperService(st, transferService, auctionService, distributionService, monitor, cfg)

	transferHandler := handlers.NewTransferHandler(transferService)
	auctionHandler := handlers.NewAuctionHandler(auctionService)
	adminHandler := handlers.NewAdminHandler(auctionService, distributionService, sweeperService)

	rateLimiter := security.NewRateLimiter(redisClient)

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleShutdown(cancel, sweeperService)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		marketplace := e.Router.Group("/api/marketplace")
		marketplace.BindFunc(rateLimiter.AntiBot())
		marketplace.BindFunc(rateLimiter.Middleware())

		marketplace.POST("/transfers", transferHandler.InitiateTransfer)
		marketplace.GET("/transfers", transferHandler.ListTransfers)
		marketplace.GET("/transfers/{transferId}", transferHandler.GetTransfer)
		marketplace.POST("/transfers/{transferId}/verify", transferHandler.VerifyTransfer)
		marketplace.POST("/transfers/{transferId}/cancel", transferHandler.CancelTransfer)

		marketplace.POST("/listings", auctionHandler.CreateListing)
		marketplace.GET("/listings/{listingId}", auctionHandler.GetListing)
		marketplace.POST("/listings/{listingId}/cancel", auctionHandler.CancelListing)
		marketplace.POST("/listings/{listingId}/purchase", auctionHandler.PurchaseListing)
		marketplace.POST("/listings/{listingId}/bids", auctionHandler.PlaceBid)
		marketplace.GET("/listings/{listingId}/bids", auctionHandler.ListBids)
		marketplace.PUT("/listings/{listingId}/autobid", auctionHandler.SetAutoBid)
		marketplace.PATCH("/bids/{bidId}", auctionHandler.UpdateBid)
		marketplace.POST("/bids/{bidId}/cancel", auctionHandler.CancelBid)

		admin := e.Router.Group("/api/admin")
		admin.POST("/distributions/{distributionId}/retry", adminHandler.RetryDistribution)
		admin.GET("/distributions/failed", adminHandler.ListFailedDistributions)
		admin.POST("/listings/{listingId}/resolve", adminHandler.ResolveAuction)
		admin.POST("/sweeps/expiry", adminHandler.RunExpirySweep)
		admin.POST("/sweeps/distributions", adminHandler.RunDistributionSweep)

		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})

		sweeperService.Start(ctx)

		if cfg.EnableMetrics {
			go serveMetrics(cfg.MetricsPort)
		}

		log.Println("Server routes registered")

		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	slog.Info("metrics server listening", "port", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

func handleShutdown(cancel context.CancelFunc, sweepers *services.SweeperService) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down", sig)

	cancel()
	sweepers.Stop()

	time.Sleep(2 * time.Second)
	os.Exit(0)
}
