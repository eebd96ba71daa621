package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iudanet/storagerelay/internal/client/cli"
	"github.com/iudanet/storagerelay/internal/client/iocli"
	"github.com/iudanet/storagerelay/internal/client/storage/boltdb"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "", "Server URL (default: saved by init)")
	dbPath := flag.String("db", "storagerelay-client.db", "Path to local state database")
	passphrase := flag.String("passphrase", "", "Passphrase of the local app key (not recommended)")
	passphraseFile := flag.String("passphrase-file", "", "Path to file containing the passphrase")
	verbose := flag.Bool("v", false, "Verbose logging to stderr")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	stdio := iocli.NewStdio()

	// Получаем команду
	args := flag.Args()
	if len(args) == 0 {
		cli.New(stdio, nil, nil, "", cli.Passphrases{}).PrintUsage()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Открываем BoltDB storage
	state, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}

	client := cli.New(stdio, state, logger, *serverURL, cli.Passphrases{
		FromFile: *passphraseFile,
		FromArgs: *passphrase,
	})

	runErr := client.Run(ctx, args[0], args[1:])

	if err := state.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("storagerelay client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
