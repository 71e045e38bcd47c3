/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payment engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Configure structured logging
  3. Initialize SQLite store
  4. Create API handler with dependencies
  5. Start server with graceful shutdown

CONFIGURATION:
  Flags override environment variables; .env seeds the environment.
    -port      HTTP server port          (PORT, default 8080)
    -db        SQLite database path      (DATABASE_PATH, default payments.db)
               Use ":memory:" for an in-memory database
    -log-level debug|info|warn|error     (LOG_LEVEL, default info)
    -allow-void-after-posted   permit voiding issued/cleared cheques
    -auto-revert-batch         revert a batch to draft when a member
                               cheque is voided

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/payments.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/payment-engine/api"
	"github.com/warp/payment-engine/ledger"
	"github.com/warp/payment-engine/store/sqlite"
)

func main() {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "payments.db"), "SQLite database path")
	logLevel := flag.String("log-level", envStr("LOG_LEVEL", "info"), "debug|info|warn|error")
	allowVoidAfterPosted := flag.Bool("allow-void-after-posted", false, "permit voiding issued/cleared cheques")
	autoRevertBatch := flag.Bool("auto-revert-batch", true, "revert batch to draft when a member cheque is voided")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	policy := ledger.VoidPolicy{
		AllowVoidAfterPosted:  *allowVoidAfterPosted,
		AutoRevertBatchOnVoid: *autoRevertBatch,
	}
	handler := api.NewHandler(store, policy, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port": *port,
			"db":   *dbPath,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("server forced to shutdown")
	}

	logger.Info("server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
