// Package config loads the gateway's environment configuration. There is
// no config framework: every setting is read directly from os.Getenv
// with an explicit default, following the authoritative variable set.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full gateway configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	MemoryAPIURL      string
	PolicyRegistryURL string
	OPAURL            string
	OPADecisionPath   string
	OPATimeout        time.Duration

	TimeoutSearch   time.Duration
	TimeoutExpand   time.Duration
	TimeoutEnrich   time.Duration
	TimeoutValidate time.Duration
	TimeoutLLM      time.Duration

	MaxPromptBytes              int
	SelectorTruncationThreshold int
	EmbeddingDim                int
	VectorMetric                string

	OpenAIDisabled bool
	OpenAIModel    string
	OpenAIAPIKey   string
	OpenAIBaseURL  string

	CiteAllIDs           bool
	GatewayVersion       string
	TemplateRegistryPath string

	CORSOrigins             []string
	RateLimit               int
	LoadShedHeartbeatCycles int
	DisableArtefactWrites   bool
	ArtifactStrict          bool

	Ed25519PrivB64 string
	SignKeyID      string

	OPAIdentityPrivB64 string

	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64
	Environment     string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvMS(key string, defMS int) time.Duration {
	return time.Duration(getEnvInt(key, defMS)) * time.Millisecond
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads the gateway configuration from the environment. Callers are
// expected to load a .env file (via godotenv) before calling Load, if one
// is present.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		MemoryAPIURL:      getEnv("MEMORY_API_URL", "http://localhost:8090"),
		PolicyRegistryURL: getEnv("POLICY_REGISTRY_URL", ""),
		OPAURL:            getEnv("OPA_URL", ""),
		OPADecisionPath:   getEnv("OPA_DECISION_PATH", "/v1/data/whydecision/authz"),
		OPATimeout:        getEnvMS("OPA_TIMEOUT_MS", 2000),

		TimeoutSearch:   getEnvMS("TIMEOUT_SEARCH_MS", 1500),
		TimeoutExpand:   getEnvMS("TIMEOUT_EXPAND_MS", 2000),
		TimeoutEnrich:   getEnvMS("TIMEOUT_ENRICH_MS", 2000),
		TimeoutValidate: getEnvMS("TIMEOUT_VALIDATE_MS", 500),
		TimeoutLLM:      getEnvMS("TIMEOUT_LLM_MS", 8000),

		MaxPromptBytes:              getEnvInt("MAX_PROMPT_BYTES", 16384),
		SelectorTruncationThreshold: getEnvInt("SELECTOR_TRUNCATION_THRESHOLD", 2048),
		EmbeddingDim:                getEnvInt("EMBEDDING_DIM", 384),
		VectorMetric:                getEnv("VECTOR_METRIC", "cosine"),

		OpenAIDisabled: getEnvBool("OPENAI_DISABLED", false),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com"),

		CiteAllIDs:           getEnvBool("CITE_ALL_IDS", false),
		GatewayVersion:       getEnv("GATEWAY_VERSION", ""),
		TemplateRegistryPath: getEnv("GATEWAY_TEMPLATE_REGISTRY_PATH", ""),

		CORSOrigins:             splitCSV(getEnv("CORS_ORIGINS", "*")),
		RateLimit:               getEnvInt("RATE_LIMIT", 20),
		LoadShedHeartbeatCycles: getEnvInt("LOAD_SHED_HEARTBEAT_CYCLES", 20),
		DisableArtefactWrites:   getEnvBool("DISABLE_ARTEFACT_WRITES", false),
		ArtifactStrict:          getEnvBool("ARTIFACT_STRICT", false),

		Ed25519PrivB64: getEnv("GATEWAY_ED25519_PRIV_B64", ""),
		SignKeyID:      getEnv("GATEWAY_SIGN_KEY_ID", "default"),

		OPAIdentityPrivB64: getEnv("OPA_IDENTITY_PRIV_B64", ""),

		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRate: getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 1.0),
		Environment:     getEnv("ENVIRONMENT", "development"),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
