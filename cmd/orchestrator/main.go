package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gafferhq/gaffer/internal/budget"
	"github.com/gafferhq/gaffer/internal/config"
	"github.com/gafferhq/gaffer/internal/orchestrator"
	"github.com/gafferhq/gaffer/pkg/blackboard"
	"github.com/gafferhq/gaffer/pkg/eventbus"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv("GAFFER_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")
	configPath := os.Getenv("GAFFER_CONFIG")

	if instanceName == "" || redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: GAFFER_INSTANCE_NAME and REDIS_URL must be set\n")
		os.Exit(1)
	}
	if configPath == "" {
		configPath = "gaffer.yml"
	}

	// 2. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REDIS_URL: %v\n", err)
		os.Exit(1)
	}

	// 3. Create blackboard store and event bus
	store, err := blackboard.NewStore(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create blackboard store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	bus, err := eventbus.NewBus(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create event bus: %v\n", err)
		os.Exit(1)
	}
	defer bus.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 5. Load gaffer.yml configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	fmt.Printf("Orchestrator starting for instance '%s' with %d agents\n", instanceName, len(cfg.Agents))

	// 6. Create ledger and engine
	ledger := budget.NewLedger(store, bus, cfg)

	engine, err := orchestrator.NewEngine(store, bus, ledger, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create engine: %v\n", err)
		os.Exit(1)
	}

	// 7. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 8. Start orchestrator in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	// 9. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		// Wait for engine to finish
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Orchestrator error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("Orchestrator stopped")
}
