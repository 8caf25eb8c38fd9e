package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/vetalok777/instaAgent/internal/app"
	"github.com/vetalok777/instaAgent/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	// Invocations run in separate environments, so a share and its text
	// are paired through the state table.
	cfg.CorrelationBackend = config.CorrelationDynamoDB
	level, _ := cfg.SlogLevel()
	logger := app.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)

	agent, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build agent", "err", err)
		os.Exit(1)
	}

	h, err := agent.LambdaHandler()
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
