package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	rc "github.com/linnemanlabs/reliefdesk/internal/cfg"
	"github.com/linnemanlabs/reliefdesk/internal/docstore"
	"github.com/linnemanlabs/reliefdesk/internal/docstore/memstore"
	"github.com/linnemanlabs/reliefdesk/internal/docstore/pgstore"
	"github.com/linnemanlabs/reliefdesk/internal/docstore/redisstore"
	"github.com/linnemanlabs/reliefdesk/internal/docstore/sqlitestore"
	"github.com/linnemanlabs/reliefdesk/internal/escalation"
	"github.com/linnemanlabs/reliefdesk/internal/llm/claude"
	"github.com/linnemanlabs/reliefdesk/internal/llm/openai"
	"github.com/linnemanlabs/reliefdesk/internal/postgres"
	"github.com/linnemanlabs/reliefdesk/internal/taxonomy"
)

// openStore connects the configured review and fulfillment backend. The
// returned close function releases it and is never nil.
func openStore(ctx context.Context, appCfg *rc.Config, L log.Logger, pgCfg postgres.PoolConfig) (docstore.Store, func() error, error) {
	noop := func() error { return nil }

	switch appCfg.Store {
	case rc.StorePostgres:
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, L, pgCfg)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return st, func() error { pool.Close(); return nil }, nil

	case rc.StoreRedis:
		st, err := redisstore.NewFromURL(ctx, appCfg.RedisURL, redisstore.DefaultPrefix)
		if err != nil {
			return nil, noop, fmt.Errorf("redis store: %w", err)
		}
		L.Info(ctx, "using redis store")
		return st, st.Close, nil

	case rc.StoreSQLite:
		st, err := sqlitestore.Open(ctx, appCfg.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("sqlite store: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", appCfg.SQLitePath)
		return st, st.Close, nil

	default:
		L.Info(ctx, "using in-memory store (review and fulfillment state is lost on restart)")
		return memstore.New(), noop, nil
	}
}

// newProvider returns the configured LLM provider, or nil when escalation
// is off.
func newProvider(appCfg *rc.Config, tax *taxonomy.Taxonomy) escalation.Provider {
	switch appCfg.LLMProvider {
	case rc.ProviderClaude:
		return claude.New(appCfg.ClaudeAPIKey, appCfg.LLMModel, tax)
	case rc.ProviderOpenAI:
		return openai.New(appCfg.OpenAIAPIKey, appCfg.LLMModel, appCfg.OpenAIBaseURL, tax)
	default:
		return nil
	}
}

// escalationConfig derives the escalation policy settings from appCfg.
func escalationConfig(appCfg *rc.Config) escalation.Config {
	ec := escalation.DefaultConfig()
	ec.Enabled = appCfg.LLMProvider != rc.ProviderNone
	ec.LLMThreshold = appCfg.LLMThreshold
	ec.AutoApproveThreshold = appCfg.AutoApproveThreshold
	ec.MaxRetries = appCfg.LLMMaxRetries
	ec.Timeout = appCfg.LLMTimeout()
	return ec
}
