package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/campusops/relay/audit"
	"github.com/campusops/relay/auth"
	"github.com/campusops/relay/bus"
	"github.com/campusops/relay/config"
	"github.com/campusops/relay/controller"
	"github.com/campusops/relay/db"
	"github.com/campusops/relay/dispatch"
	"github.com/campusops/relay/filter"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/router"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	// Initialize logger
	logger.InitLogger(config.GetString("log.dir"))
	defer logger.Sync()

	// Initialize Redis
	if err := db.InitRedis(); err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer db.CloseRedis()

	// Load and validate the pipeline configuration. Malformed rules,
	// predicates, or grants are fatal here and never reach request time.
	pipelineCfg, err := config.LoadPipeline()
	if err != nil {
		logger.Fatal("Invalid pipeline configuration", zap.Error(err))
	}

	// Initialize the audit sink
	auditRepository, err := audit.NewElasticsearchRepository(config.GetString("elasticsearch.url"))
	if err != nil {
		logger.Fatal("Failed to initialize audit repository", zap.Error(err))
	}
	auditService := audit.NewService(auditRepository)

	// Compile the access filter and the routing rules
	filterEngine, err := filter.NewEngine(pipelineCfg.Filter, db.RateLimit)
	if err != nil {
		logger.Fatal("Invalid filter configuration", zap.Error(err))
	}
	busRouter, err := bus.NewRouter(pipelineCfg.Bus)
	if err != nil {
		logger.Fatal("Invalid routing configuration", zap.Error(err))
	}

	// Initialize the dispatcher and its worker pool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := dispatch.NewPool(config.GetInt("dispatch.queue_size"))
	pool.Start(ctx, config.GetInt("dispatch.workers"))

	invoker := dispatch.NewHTTPInvoker(config.GetDuration("dispatch.invoke_timeout"))
	dispatcher, err := dispatch.NewDispatcher(pipelineCfg.Consumers, invoker, pool, auditService)
	if err != nil {
		logger.Fatal("Invalid consumer configuration", zap.Error(err))
	}

	// Initialize the authorizers
	signatureAuth := auth.NewSignatureAuthorizer(pipelineCfg.Authorizer.SignaturePrincipals)
	tokenAuth := auth.NewTokenPoolAuthorizer(pipelineCfg.Authorizer, db.NewIdentityDirectory())

	var busAuth auth.Authorizer = tokenAuth
	if pipelineCfg.Ingress.Bus.Auth == "signature" {
		busAuth = signatureAuth
	}

	// Initialize controllers
	controllers := &controller.Controllers{
		Ingress: controller.NewIngressController(
			pipelineCfg.Ingress,
			busAuth,
			signatureAuth,
			busRouter,
			dispatcher,
			auditService,
		),
		Audit: controller.NewAuditController(auditService),
	}

	// Start the audit retention loop
	go purgeExpiredRecords(ctx, auditService, pipelineCfg.Audit.RetentionDays)

	// Set up the server
	engine := router.SetupRouter(controllers, filterEngine, auditService)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", config.GetString("server.port")),
		Handler: engine,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", config.GetString("server.port")))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	// Stop the workers and wait for in-flight dispatches to drain
	cancel()
	pool.Wait()

	logger.Info("Server exiting")
}

// purgeExpiredRecords discards audit records older than the retention
// window, once a day.
func purgeExpiredRecords(ctx context.Context, auditService audit.Service, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			purged, err := auditService.Purge(ctx, cutoff)
			if err != nil {
				logger.Error("Audit retention purge failed", zap.Error(err))
				continue
			}
			logger.Info("Audit retention purge completed",
				zap.Int("purged", purged),
				zap.Time("cutoff", cutoff))
		case <-ctx.Done():
			return
		}
	}
}
