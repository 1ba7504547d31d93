package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/whydecision/gateway/pkg/api"
	"github.com/whydecision/gateway/pkg/cache"
	"github.com/whydecision/gateway/pkg/gwerrors"
	"github.com/whydecision/gateway/pkg/memoryapi"
)

// Server wraps the Pipeline with the gin router and the read-through
// endpoints (/v2/schema, /healthz, /readyz, /metrics) that don't need
// the full ask/query orchestration.
type Server struct {
	pipeline *Pipeline
	memory   *memoryapi.Client
	cache    cache.Cache
	router   *gin.Engine

	timeoutSearch   time.Duration
	timeoutExpand   time.Duration
	timeoutEnrich   time.Duration
	timeoutValidate time.Duration
	timeoutLLM      time.Duration
}

// Config holds the per-stage timeouts. The HTTP handlers sum them into
// one request deadline (15s when the sum is zero; /v2/ask applies it
// only when TimeoutLLM is set), on top of whatever deeper per-call
// timeouts the pipeline stages already carry.
type Config struct {
	TimeoutSearch   time.Duration
	TimeoutExpand   time.Duration
	TimeoutEnrich   time.Duration
	TimeoutValidate time.Duration
	TimeoutLLM      time.Duration
}

func NewServer(pipeline *Pipeline, memory *memoryapi.Client, c cache.Cache, cfg Config, metricsHandler http.Handler) *Server {
	s := &Server{
		pipeline:        pipeline,
		memory:          memory,
		cache:           c,
		timeoutSearch:   cfg.TimeoutSearch,
		timeoutExpand:   cfg.TimeoutExpand,
		timeoutEnrich:   cfg.TimeoutEnrich,
		timeoutValidate: cfg.TimeoutValidate,
		timeoutLLM:      cfg.TimeoutLLM,
	}
	s.router = s.buildRouter(metricsHandler)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(metricsHandler http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if s.cache != nil {
			if pinger, ok := s.cache.(interface{ Ping(context.Context) error }); ok {
				if err := pinger.Ping(c.Request.Context()); err != nil {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "cache unreachable"})
					return
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v2 := r.Group("/v2")
	v2.POST("/ask", s.handleAsk)
	v2.POST("/query", s.handleQuery)
	v2.GET("/schema/fields", s.handleSchemaFields)
	v2.GET("/schema/rels", s.handleSchemaRels)

	return r
}

func (s *Server) handleAsk(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.WriteBadRequest(c.Writer, "malformed request body: "+err.Error())
		return
	}
	if req.AnchorID == "" && req.DecisionRef == "" && req.Text == "" {
		api.WriteBadRequest(c.Writer, "anchor_id, decision_ref, or text is required")
		return
	}

	ctx := c.Request.Context()
	if s.timeoutLLM > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.totalBudget())
		defer cancel()
	}

	resp, _, gwErr := s.pipeline.Ask(ctx, req)
	if gwErr != nil {
		s.writeGWError(c, gwErr)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.WriteBadRequest(c.Writer, "malformed request body: "+err.Error())
		return
	}
	if req.Text == "" {
		api.WriteBadRequest(c.Writer, "text is required")
		return
	}

	ctx := c.Request.Context()
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, s.totalBudget())
	defer cancel()

	resp, matches, gwErr := s.pipeline.Query(ctx, req)
	if gwErr != nil {
		s.writeGWError(c, gwErr)
		return
	}
	if resp != nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, matches)
}

func (s *Server) handleSchemaFields(c *gin.Context) {
	body, headers, err := s.memory.SchemaFields(c.Request.Context())
	if err != nil {
		api.WriteError(c.Writer, http.StatusBadGateway, "Bad Gateway", "schema service unreachable")
		return
	}
	s.mirrorSchema(c, body, headers)
}

func (s *Server) handleSchemaRels(c *gin.Context) {
	body, headers, err := s.memory.SchemaRels(c.Request.Context())
	if err != nil {
		api.WriteError(c.Writer, http.StatusBadGateway, "Bad Gateway", "schema service unreachable")
		return
	}
	s.mirrorSchema(c, body, headers)
}

func (s *Server) mirrorSchema(c *gin.Context, body []byte, headers http.Header) {
	if etag := memoryapi.ExtractSnapshotETag(headers, nil); etag != "" && etag != "unknown" {
		c.Header("X-Snapshot-ETag", etag)
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) totalBudget() time.Duration {
	total := s.timeoutSearch + s.timeoutExpand + s.timeoutEnrich + s.timeoutValidate + s.timeoutLLM
	if total <= 0 {
		total = 15 * time.Second
	}
	return total
}

func (s *Server) writeGWError(c *gin.Context, err *gwerrors.Error) {
	api.WriteErrorR(c.Writer, c.Request, err.HTTPStatus(), err.Code, err.Detail)
}
