package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	openpanel "github.com/st-keller/openpanel-client"
	"github.com/st-keller/openpanel-client/payload"
)

func main() {
	configPath := flag.String("config", "openpanel.yaml", "path to the YAML client configuration")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := openpanel.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// Drop internal events before they leave the process.
	cfg.Filter = func(p payload.Payload) bool {
		tr, ok := p.(payload.Track)
		return !ok || tr.Name != "debug_ping"
	}

	client := openpanel.New(openpanel.WithLogger(logger))
	if err := client.Configure(cfg); err != nil {
		logger.Fatal("failed to configure client", zap.Error(err))
	}

	emitEvents(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	for _, stats := range client.GetConnectivity().Snapshot() {
		logger.Info("delivery stats",
			zap.String("url", stats.URL),
			zap.String("status", stats.Status),
			zap.Int("attempts", stats.Attempts),
			zap.Float64("success_rate", stats.SuccessRate),
		)
	}
}

// emitEvents sends the demo events. Rejected calls are logged, not fatal.
func emitEvents(client *openpanel.Client, logger *zap.Logger) {
	if err := client.SetGlobalProperties(map[string]string{"app_version": "1.0.0"}); err != nil {
		logger.Warn("failed to set global properties", zap.Error(err))
	}

	// With waitForProfile these stay queued until Identify.
	for _, name := range []string{"app_opened", "debug_ping"} {
		if err := client.Track(name, nil); err != nil {
			logger.Warn("failed to track event", zap.String("event", name), zap.Error(err))
		}
	}

	err := client.Identify(payload.Identify{
		ProfileID: "user-42",
		FirstName: "Ada",
		Email:     "ada@example.com",
	})
	if err != nil {
		logger.Warn("failed to identify", zap.Error(err))
	}
	if err := client.Increment(payload.Increment{ProfileID: "user-42", Property: "sessions"}); err != nil {
		logger.Warn("failed to increment", zap.Error(err))
	}
	if err := client.Track("checkout", map[string]string{"cart_size": "3"}); err != nil {
		logger.Warn("failed to track event", zap.String("event", "checkout"), zap.Error(err))
	}
}
