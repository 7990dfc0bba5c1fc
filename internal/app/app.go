// Package app assembles the components shared by the server and CLI
// binaries from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"ehr-chatbot/internal/config"
	"ehr-chatbot/internal/core"
	"ehr-chatbot/internal/db"
	"ehr-chatbot/internal/llm"
	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/observability"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "ehr_chatbot"

// NewLLMClient returns the provider selected by LLM_PROVIDER.
func NewLLMClient(cfg *config.Config) llm.Client {
	if cfg.Provider == config.ProviderEcho {
		return llm.EchoClient{}
	}
	return llm.NewOpenAIClient(llm.Settings{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}

// NewBot builds the chatbot engine with its own session memory.
func NewBot(cfg *config.Config, client llm.Client, log *logging.Logger, metrics *observability.Metrics) *core.Bot {
	return core.NewBot(client, core.NewMemoryStore(cfg.MaxConversationHistory), core.Options{
		Model:                cfg.ModelName,
		Temperature:          cfg.Temperature,
		EducationalMaxTokens: cfg.EducationalMaxTokens,
		ChatMaxTokens:        cfg.ChatMaxTokens,
	}, log, metrics)
}

// NewSummarizer uses the chat token budget for summaries.
func NewSummarizer(cfg *config.Config, client llm.Client) *core.Summarizer {
	return core.NewSummarizer(client, llm.Options{
		Model:       cfg.ModelName,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.ChatMaxTokens,
	})
}

// OpenDB connects to Postgres, verifies the connection and applies the
// schema.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	conn, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
