package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/sippar-network/ck-bridge-api/algorand"
	"github.com/sippar-network/ck-bridge-api/api"
	"github.com/sippar-network/ck-bridge-api/bridge"
	"github.com/sippar-network/ck-bridge-api/canister"
	"github.com/sippar-network/ck-bridge-api/config"
	"github.com/sippar-network/ck-bridge-api/database"
)

// Version will be set at build time
var Version = "development"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	// create a new logger
	Logger := slog.New(tint.NewHandler(os.Stderr, nil))

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level: slog.LevelDebug,
		}),
	))

	Logger.Info("Starting ck-bridge-api ("+Version+")",
		"Go Version", runtime.Version(),
		"Operating System", runtime.GOOS,
		"Architecture", runtime.GOARCH)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	algoClient, err := algorand.NewClient(algorand.ClientOpts{
		AlgodURL:     cfg.AlgodURL,
		AlgodToken:   cfg.AlgodToken,
		IndexerURL:   cfg.IndexerURL,
		IndexerToken: cfg.IndexerToken,
		Logger:       Logger.With("component", "algorand-client"),
		Timeout:      cfg.Tuning.RemoteTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to create algorand client: %v", err)
	}

	bridgeCanister, err := canister.NewBridgeClient(canister.BridgeClientOpts{
		URL:     cfg.BridgeCanisterURL,
		Logger:  Logger.With("component", "bridge-canister"),
		Timeout: cfg.Tuning.RemoteTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to create bridge canister client: %v", err)
	}

	signer, err := canister.NewSignerClient(canister.SignerClientOpts{
		URL:     cfg.SignerURL,
		Token:   cfg.SignerToken,
		Logger:  Logger.With("component", "threshold-signer"),
		Timeout: cfg.Tuning.RemoteTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to create signer client: %v", err)
	}

	db, err := database.NewDatabase(database.DatabaseOpts{
		URI:          cfg.DatabaseURI,
		DatabaseName: cfg.DatabaseName,
		Logger:       Logger.With("component", "database"),
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.CreateIndexes(context.Background()); err != nil {
		log.Fatalf("failed to create database indexes: %v", err)
	}

	core, err := bridge.New(bridge.Opts{
		Ledger:        algoClient,
		Minting:       bridgeCanister,
		Deriver:       signer,
		Store:         db,
		Tuning:        cfg.Tuning,
		OperatorToken: cfg.OperatorToken,
		Logger:        Logger.With("component", "bridge"),
	})
	if err != nil {
		log.Fatalf("failed to create bridge: %v", err)
	}

	// start api server
	server, err := api.NewServer(api.ServerOpts{
		Logger:        Logger.With("component", "api-server"),
		Bridge:        core,
		Database:      db,
		Port:          cfg.APIPort,
		OperatorToken: cfg.OperatorToken,
	})
	if err != nil {
		log.Fatalf("failed to create api server: %v", err)
	}

	go server.StartServer()

	// Create context that will be canceled on SIGINT or SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start bridge schedulers in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- core.Run(ctx)
	}()

	// Wait for either error or signal
	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Bridge error: %v", err)
		}
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal: %v\n", sig)
		fmt.Println("Shutting down gracefully...")
		cancel() // This will trigger shutdown via context

		// Wait for bridge to finish
		if err := <-errChan; err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}
}
