package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	DatabaseURL string
	NatsURL     string
	NatsToken   string
	LogLevel    string

	OpenAIAPIKey string
	OpenAIModel  string

	RetrievalURL     string
	RetrievalAPIKey  string
	RetrievalK       int
	RetrievalMode    string
	RetrievalTimeout time.Duration

	RerankURL     string
	RerankAPIKey  string
	RerankModel   string
	RerankTopN    int
	RerankTimeout time.Duration
	RerankEnabled bool

	GenerationTimeout time.Duration
	GenerationRetries int
	MaxIterations     int
	SessionMaxIdle    time.Duration

	KnowledgeBaseID string
	DataSourceID    string
	SyncURL         string
	SyncAPIKey      string
	SyncTimeout     time.Duration
	SyncPollEvery   time.Duration
	SyncMaxDuration time.Duration

	AuditPath string
}

func Load() Config {
	return Config{
		Port:        envInt("SAGE_PORT", 8640),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		OpenAIAPIKey: envStr("OPENAI_API_KEY", ""),
		OpenAIModel:  envStr("OPENAI_MODEL", "gpt-4o"),

		RetrievalURL:     envStr("RETRIEVAL_URL", ""),
		RetrievalAPIKey:  envStr("RETRIEVAL_API_KEY", ""),
		RetrievalK:       envInt("RETRIEVAL_K", 10),
		RetrievalMode:    envStr("RETRIEVAL_MODE", "hybrid"),
		RetrievalTimeout: envDur("RETRIEVAL_TIMEOUT", 10*time.Second),

		RerankURL:     envStr("RERANK_URL", ""),
		RerankAPIKey:  envStr("RERANK_API_KEY", ""),
		RerankModel:   envStr("RERANK_MODEL", "amazon.rerank-v1:0"),
		RerankTopN:    envInt("RERANK_TOP_N", 3),
		RerankTimeout: envDur("RERANK_TIMEOUT", 10*time.Second),
		RerankEnabled: envBool("RERANK_ENABLED", true),

		GenerationTimeout: envDur("GENERATION_TIMEOUT", 120*time.Second),
		GenerationRetries: envInt("GENERATION_RETRIES", 0),
		MaxIterations:     envInt("PIPELINE_MAX_ITERATIONS", 4),
		SessionMaxIdle:    envDur("SESSION_MAX_IDLE", 12*time.Hour),

		KnowledgeBaseID: envStr("KNOWLEDGE_BASE_ID", ""),
		DataSourceID:    envStr("DATA_SOURCE_ID", ""),
		SyncURL:         envStr("SYNC_URL", ""),
		SyncAPIKey:      envStr("SYNC_API_KEY", ""),
		SyncTimeout:     envDur("SYNC_TIMEOUT", 10*time.Second),
		SyncPollEvery:   envDur("SYNC_POLL_INTERVAL", 3*time.Second),
		SyncMaxDuration: envDur("SYNC_MAX_DURATION", 15*time.Minute),

		AuditPath: envStr("AUDIT_LOG_PATH", "sage-audit.ndjson"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
