/*
optd is the HTTP control surface of the optimization service.

Available REST Endpoints:
-------------------------

 1. GET /restful/health
    Description: Health check endpoint to verify service is running
    Response: {"status": "ok"}

 2. POST /restful/runs
    Description: Start a gradient descent run in the background
    Request Parameters:
    - objective (string, optional): benchmark objective (default "sphere")
    - dim (int, optional): number of parameters (default 4)
    - lower / upper (float, optional): parameter bounds (default -10 / 10)
    - run_id (string, optional): run identifier (default derived from time)
    Response:
    - retcode (int): 0 for success, non-zero for errors
    - message (string): success message or error description
    - payload (object): {"run_id": "..."}

 3. GET /restful/runs
    Description: List known runs with their live state
    Response payload: [{"run_id": "...", "state": "...", "iteration": n,
    "best": {...}}]

 4. GET /restful/runs/:id
    Description: Iteration history and live state of one run
    Response payload: {"run_id": "...", "state": "...", "records": [...]}

Notes:
------
- Runs execute in process; one goroutine per run
- Iteration history is persisted via the run history store
- External clients access via HTTP on the configured address (default :8080)
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/history"
)

func main() {
	configPath := flag.String("config", common.DefaultConfigFile, "configuration file")
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		common.Fatal("cannot load configuration: %v", err)
	}
	common.SetLevel(common.ParseLogLevel(cfg.Logging.Level))

	logger := common.NewLogger(os.Stderr, "optd", common.ParseLogLevel(cfg.Logging.Level))

	historyPath := cfg.Storage.HistoryPath
	if historyPath == "" {
		historyPath = common.DefaultHistoryDBPath
	}
	hist, err := history.Open(historyPath)
	if err != nil {
		logger.Fatal("cannot open run history: %v", err)
	}
	defer hist.Close()

	manager := NewRunManager(cfg, hist, logger)
	defer manager.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	restful := router.Group("/restful")
	{
		restful.GET("/health", handleHealth)
		restful.POST("/runs", manager.handleStartRun)
		restful.GET("/runs", manager.handleListRuns)
		restful.GET("/runs/:id", manager.handleGetRun)
	}

	address := cfg.Service.Address
	if address == "" {
		address = common.DefaultListenAddress
	}

	server := &http.Server{
		Addr:    address,
		Handler: router,
	}

	go func() {
		logger.Info("optd listening on %s", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = common.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error: %v", err)
	}
	logger.Info("optd stopped")
}

// handleHealth reports service liveness.
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
