// agentgate server — multi-tenant gateway that fronts LLM providers and
// per-user MCP tool servers behind one OpenAI-compatible chat API.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/agentgate/pkg/api"
	"github.com/codeready-toolchain/agentgate/pkg/config"
	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/llm/anthropic"
	"github.com/codeready-toolchain/agentgate/pkg/llm/openai"
	"github.com/codeready-toolchain/agentgate/pkg/mcp"
	"github.com/codeready-toolchain/agentgate/pkg/secrets"
	"github.com/codeready-toolchain/agentgate/pkg/session"
	"github.com/codeready-toolchain/agentgate/pkg/store"
	"github.com/codeready-toolchain/agentgate/pkg/version"
)

const shutdownGrace = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logClose, err := buildLogger(cfg.LogDir)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logClose()
	slog.SetDefault(logger)

	slog.Info("Starting agentgate", "version", version.Full(), "addr", cfg.Addr())

	ctx := context.Background()

	// 2. AWS clients, only when something references AWS
	var resolver *secrets.Resolver
	var dynamoClient *dynamodb.Client
	if needsAWS(cfg) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("Failed to load AWS configuration", "error", err)
			os.Exit(1)
		}
		resolver = secrets.NewResolver(secretsmanager.NewFromConfig(awsCfg), logger)
		if cfg.DynamoTable != "" {
			dynamoClient = dynamodb.NewFromConfig(awsCfg)
		}
	}

	// 3. Resolve credential references before anything uses them
	if resolver != nil {
		resolved, err := resolver.ResolveEnv(ctx, map[string]string{
			"API_KEY":           cfg.APIKey,
			"ANTHROPIC_API_KEY": cfg.AnthropicAPIKey,
			"OPENAI_API_KEY":    cfg.OpenAIAPIKey,
		})
		if err != nil {
			slog.Error("Failed to resolve credential references", "error", err)
			os.Exit(1)
		}
		cfg.APIKey = resolved["API_KEY"]
		cfg.AnthropicAPIKey = resolved["ANTHROPIC_API_KEY"]
		cfg.OpenAIAPIKey = resolved["OPENAI_API_KEY"]
	}

	// 4. Persistence
	st, err := buildStore(ctx, cfg, dynamoClient)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}

	// 5. Model catalogue and provider clients
	cat, err := config.LoadCatalogue(cfg.ModelsFile)
	if err != nil {
		slog.Error("Failed to load model catalogue", "error", err)
		os.Exit(1)
	}
	streamers := map[string]llm.Streamer{}
	if cfg.AnthropicAPIKey != "" {
		streamers[config.ProviderAnthropic] = anthropic.New(cfg.AnthropicAPIKey, logger)
	}
	if cfg.OpenAIAPIKey != "" {
		streamers[config.ProviderOpenAI] = openai.New(cfg.OpenAIAPIKey, logger)
	}
	if len(streamers) == 0 {
		slog.Error("No provider credentials configured, set ANTHROPIC_API_KEY or OPENAI_API_KEY")
		os.Exit(1)
	}

	// 6. MCP supervisor, plus the shared servers every user sees
	supervisor := mcp.NewSupervisor(st, resolver, mcp.CommandTransportFactory, cfg.ScratchDir, logger)
	defer supervisor.Shutdown()
	if len(cat.SharedServers) > 0 {
		supervisor.StartShared(ctx, cat.SharedServers)
	}

	// 7. Session manager with idle eviction
	manager := session.NewManager(cfg.IdleHorizon, logger)
	evictCtx, stopEvict := context.WithCancel(ctx)
	defer stopEvict()
	go manager.Run(evictCtx, time.Minute)

	// 8. HTTP server
	server := api.NewServer(cfg, cat, supervisor, manager, streamers, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("agentgate started", "providers", len(streamers), "shared_servers", len(cat.SharedServers))

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	// 10. Graceful shutdown: stop accepting, cancel streams, stop servers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown incomplete", "error", err)
	}
	manager.Shutdown()
	slog.Info("agentgate stopped")
}

func needsAWS(cfg *config.Config) bool {
	return cfg.DynamoTable != "" ||
		secrets.IsReference(cfg.APIKey) ||
		secrets.IsReference(cfg.AnthropicAPIKey) ||
		secrets.IsReference(cfg.OpenAIAPIKey)
}

// buildStore selects the persistence backend: Redis wins over DynamoDB;
// with neither configured the store is process-local memory.
func buildStore(ctx context.Context, cfg *config.Config, dynamoClient *dynamodb.Client) (store.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		slog.Info("Using Redis store", "addr", cfg.RedisAddr)
		return store.NewRedis(client), nil
	case cfg.DynamoTable != "":
		slog.Info("Using DynamoDB store", "table", cfg.DynamoTable)
		return store.NewDynamo(dynamoClient, cfg.DynamoTable), nil
	default:
		slog.Warn("No persistence configured, registrations will not survive restarts")
		return store.NewMemory(), nil
	}
}

// buildLogger writes JSON logs to LOG_DIR/agentgate.log when set, stderr
// otherwise.
func buildLogger(logDir string) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	cleanup := func() {}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(logDir, "agentgate.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, err
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}
	return slog.New(slog.NewJSONHandler(out, nil)), cleanup, nil
}
