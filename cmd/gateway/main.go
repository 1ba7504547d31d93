// Command gateway runs the Why-Decision answering gateway HTTP
// service: it resolves a decision anchor, builds a bounded evidence
// bundle, applies policy, fits the token budget, invokes the
// configured LLM (or the deterministic templater), repairs and signs
// the answer, and persists the audit artefact set before replying.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whydecision/gateway/pkg/api"
	"github.com/whydecision/gateway/pkg/artifacts"
	"github.com/whydecision/gateway/pkg/assembler"
	"github.com/whydecision/gateway/pkg/audit"
	"github.com/whydecision/gateway/pkg/cache"
	"github.com/whydecision/gateway/pkg/config"
	"github.com/whydecision/gateway/pkg/crypto"
	"github.com/whydecision/gateway/pkg/evidence"
	"github.com/whydecision/gateway/pkg/llm"
	"github.com/whydecision/gateway/pkg/loadshed"
	"github.com/whydecision/gateway/pkg/memoryapi"
	"github.com/whydecision/gateway/pkg/metrics"
	"github.com/whydecision/gateway/pkg/policy"
	"github.com/whydecision/gateway/pkg/resolver"
	"github.com/whydecision/gateway/pkg/selector"
	"github.com/whydecision/gateway/pkg/server"
	"github.com/whydecision/gateway/pkg/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("gateway: no .env file loaded (%v), relying on process environment", err)
	}

	cfg := config.Load()
	logger := audit.NewLogger("whydecision-gateway")

	gin.SetMode(ginModeFor(cfg.LogLevel))

	tracerProvider, err := tracing.New(context.Background(), tracing.Config{
		ServiceName:    "whydecision-gateway",
		ServiceVersion: cfg.GatewayVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("gateway: tracing init failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	backingCache := buildCache(cfg)
	signer := buildSigner(cfg)

	memory := memoryapi.NewClient(cfg.MemoryAPIURL, cfg.TimeoutEnrich)
	res := resolver.New(memory, resolver.Config{})
	evidenceBuilder := evidence.New(memory, backingCache, evidence.Config{})

	var policyGate *policy.Gate
	if cfg.OPAURL != "" {
		policyGate = policy.NewGate(policy.Config{
			OPAURL:       cfg.OPAURL,
			DecisionPath: cfg.OPADecisionPath,
			Timeout:      cfg.OPATimeout,
			IdentityKey:  buildOPAIdentityKey(cfg),
		})
	}

	selectorGate := selector.NewGate(selector.Config{})

	var llmClient llm.Client
	if !cfg.OpenAIDisabled && cfg.OpenAIAPIKey != "" {
		llmClient = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.TimeoutLLM)
	}

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	store, err := artifacts.NewStoreFromEnv(context.Background())
	if err != nil {
		log.Fatalf("gateway: artefact store init failed: %v", err)
	}
	persister := artifacts.NewPersister(store, cfg.ArtifactStrict)

	asm := assembler.New(signer, cfg.GatewayVersion)

	loadShedCtx, loadShedCancel := context.WithCancel(context.Background())
	defer loadShedCancel()
	refresher, loadShedFlag := loadshed.NewRefresher(backingCache, logger, loadshed.Config{
		HeartbeatCycles: cfg.LoadShedHeartbeatCycles,
	}, metricsRegistry.SetLoadShed)
	go refresher.Run(loadShedCtx)

	pipeline := server.New(server.Deps{
		Resolver:              res,
		Evidence:              evidenceBuilder,
		Policy:                policyGate,
		Selector:              selectorGate,
		LLM:                   llmClient,
		LLMDisabled:           cfg.OpenAIDisabled || cfg.OpenAIAPIKey == "",
		LLMConfig:             llm.InvokeConfig{Timeout: cfg.TimeoutLLM},
		Persister:             persister,
		Assembler:             asm,
		Metrics:               metricsRegistry,
		LoadShed:              loadShedFlag,
		Logger:                logger,
		Cache:                 backingCache,
		CiteAllIDs:            cfg.CiteAllIDs,
		DisableArtefactWrites: cfg.DisableArtefactWrites,
		GatewayVersion:        cfg.GatewayVersion,
		Tracer:                tracerProvider,
	})

	idempotencyStore := buildIdempotencyStore(cfg)

	srv := server.NewServer(pipeline, memory, backingCache, server.Config{
		TimeoutSearch:   cfg.TimeoutSearch,
		TimeoutExpand:   cfg.TimeoutExpand,
		TimeoutEnrich:   cfg.TimeoutEnrich,
		TimeoutValidate: cfg.TimeoutValidate,
		TimeoutLLM:      cfg.TimeoutLLM,
	}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	limiter := api.NewGlobalRateLimiter(cfg.RateLimit, cfg.RateLimit*2)
	limiter.ExcludePath("/healthz")
	limiter.ExcludePath("/readyz")
	limiter.ExcludePath("/metrics")

	handler := limiter.Middleware(api.IdempotencyMiddleware(idempotencyStore)(srv.Handler()))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("gateway: listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Print("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway: graceful shutdown failed: %v", err)
	}
}

func ginModeFor(logLevel string) string {
	if logLevel == "DEBUG" {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

func buildCache(cfg *config.Config) cache.Cache {
	if cfg.RedisURL == "" {
		return cache.NewMemoryCache()
	}
	redisCache, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Printf("gateway: redis init failed (%v), falling back to in-process cache", err)
		return cache.NewMemoryCache()
	}
	return redisCache
}

func buildSigner(cfg *config.Config) crypto.Signer {
	if cfg.Ed25519PrivB64 == "" {
		log.Print("gateway: GATEWAY_ED25519_PRIV_B64 not set, generating an ephemeral signing key (responses will not verify across restarts)")
		signer, err := crypto.NewEd25519Signer(cfg.SignKeyID)
		if err != nil {
			log.Fatalf("gateway: ephemeral signer generation failed: %v", err)
		}
		return signer
	}
	seed, err := base64.StdEncoding.DecodeString(cfg.Ed25519PrivB64)
	if err != nil {
		log.Fatalf("gateway: GATEWAY_ED25519_PRIV_B64 is not valid base64: %v", err)
	}
	signer, err := crypto.NewEd25519SignerFromSeed(seed, cfg.SignKeyID)
	if err != nil {
		log.Fatalf("gateway: signer init from seed failed: %v", err)
	}
	return signer
}

func buildOPAIdentityKey(cfg *config.Config) ed25519.PrivateKey {
	if cfg.OPAIdentityPrivB64 == "" {
		return nil
	}
	seed, err := base64.StdEncoding.DecodeString(cfg.OPAIdentityPrivB64)
	if err != nil {
		log.Printf("gateway: OPA_IDENTITY_PRIV_B64 is not valid base64 (%v), identity assertions disabled", err)
		return nil
	}
	if len(seed) != ed25519.SeedSize {
		log.Printf("gateway: OPA_IDENTITY_PRIV_B64 must decode to %d bytes, got %d, identity assertions disabled", ed25519.SeedSize, len(seed))
		return nil
	}
	return ed25519.NewKeyFromSeed(seed)
}

func buildIdempotencyStore(cfg *config.Config) api.IdempotencyStorer {
	if cfg.DatabaseURL == "" {
		return api.NewIdempotencyStore(10 * time.Minute)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Printf("gateway: postgres idempotency store unavailable (%v), using in-memory store", err)
		return api.NewIdempotencyStore(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		log.Printf("gateway: postgres ping failed (%v), using in-memory store", err)
		return api.NewIdempotencyStore(10 * time.Minute)
	}
	return api.NewPostgresIdempotencyStore(db, 10*time.Minute)
}
