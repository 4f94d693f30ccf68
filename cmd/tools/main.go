package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init-db":
		if err := runInitDB(os.Args[2:]); err != nil {
			sugar.Fatalf("init-db: %v", err)
		}
	case "payload-schema":
		if err := runPayloadSchema(os.Args[2:]); err != nil {
			sugar.Fatalf("payload-schema: %v", err)
		}
	default:
		sugar.Errorf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	logger := zap.S()
	logger.Info("Usage: feedsync-tools <command> [options]")
	logger.Info("")
	logger.Info("Commands:")
	logger.Info("  init-db          Create the engine tables and the feed tables of the configured feeds")
	logger.Info("  payload-schema   Inline $ref references of a feed payload schema and check sample payloads against it")
}
