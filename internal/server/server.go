package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ai-gateway/cursor-gateway/internal/completion"
	"github.com/ai-gateway/cursor-gateway/internal/config"
	"github.com/ai-gateway/cursor-gateway/internal/guardrails"
	"github.com/ai-gateway/cursor-gateway/internal/metrics"
	"github.com/ai-gateway/cursor-gateway/internal/provider"
	"github.com/ai-gateway/cursor-gateway/internal/provisioner"
	"github.com/ai-gateway/cursor-gateway/internal/routing"
	"github.com/ai-gateway/cursor-gateway/internal/tokens"
)

// Deps are the collaborators a Server needs. Metrics and Supervisor are
// optional.
type Deps struct {
	Router     *routing.Router
	Guards     *guardrails.Guardrails
	Pool       *tokens.Pool
	Metrics    *metrics.Collector
	Supervisor *provisioner.Supervisor
	Logger     *zap.Logger
}

type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	router  *routing.Router
	guards  *guardrails.Guardrails
	pool    *tokens.Pool
	metrics *metrics.Collector
	helper  *provisioner.Supervisor
	logger  *zap.Logger

	// base outlives individual requests; the helper process is bound to it.
	base context.Context
}

func New(cfg *config.Config, d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Guards == nil {
		d.Guards = guardrails.New()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))
	if cfg.RateLimit.RPS > 0 {
		r.Use(rateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	srv := &Server{
		cfg:     cfg,
		engine:  r,
		router:  d.Router,
		guards:  d.Guards,
		pool:    d.Pool,
		metrics: d.Metrics,
		helper:  d.Supervisor,
		logger:  d.Logger.With(zap.String("component", "server")),
		base:    context.Background(),
	}
	if d.Router != nil {
		ids := make([]string, 0, len(d.Router.Models()))
		for _, m := range d.Router.Models() {
			ids = append(ids, m.ID)
		}
		d.Metrics.SetModels(ids...)
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/v1")
	api.POST("/chat/completions", s.chatCompletion)
	api.GET("/models", s.listModels)

	s.engine.GET("/healthz", s.health)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	if s.helper != nil {
		s.engine.GET("/status", s.status)
		s.engine.POST("/start-token", s.startToken)
		s.engine.POST("/stop-token", s.stopToken)
		s.engine.GET("/token-process-output", s.tokenOutput)
	}
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("listening", zap.String("address", s.cfg.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) chatCompletion(c *gin.Context) {
	var req provider.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.ObserveRequest(req.Model, mode(req.Stream), "invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request. Messages should be a non-empty array"})
		return
	}
	if err := s.guards.Check(&req); err != nil {
		s.metrics.ObserveRequest(req.Model, mode(req.Stream), "invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": guardrails.Message(err)})
		return
	}
	req.ChecksumOverride = c.GetHeader("X-Cursor-Checksum")

	ctx := c.Request.Context()
	prov := s.router.ProviderFor(req.Model)
	chunks, err := prov.Chat(ctx, &req)
	if err != nil {
		if req.Stream {
			s.streamFailure(c, &req, err)
			return
		}
		s.fail(c, &req, err)
		return
	}

	if req.Stream {
		s.stream(c, &req, chunks)
	} else {
		s.buffered(c, &req, chunks)
	}
}

// openStream commits the SSE response headers.
func openStream(c *gin.Context, model string) *completion.StreamWriter {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	return completion.NewStreamWriter(c.Writer, c.Writer, completion.NewID(), model)
}

func (s *Server) stream(c *gin.Context, req *provider.ChatRequest, chunks <-chan provider.Chunk) {
	sw := openStream(c, req.Model)
	st := completion.Stream(c.Request.Context(), sw, chunks, completion.StreamErrorMessage)

	outcome := "ok"
	switch {
	case st.Err == nil:
	case errors.Is(st.Err, context.Canceled):
		outcome = "cancelled"
		s.logger.Info("client disconnected mid-stream", zap.String("model", req.Model), zap.Int("fragments", st.Fragments))
	default:
		outcome = provider.KindOf(st.Err).String()
		s.logger.Error("stream failed", zap.String("model", req.Model), zap.Int("fragments", st.Fragments), zap.Error(st.Err))
	}
	s.metrics.ObserveRequest(req.Model, "stream", outcome)
}

func (s *Server) buffered(c *gin.Context, req *provider.ChatRequest, chunks <-chan provider.Chunk) {
	text, err := completion.Collect(c.Request.Context(), chunks)
	if err != nil {
		s.fail(c, req, err)
		return
	}
	s.metrics.ObserveRequest(req.Model, "buffered", "ok")
	c.JSON(http.StatusOK, completion.NewResponse(completion.NewID(), req.Model, completion.Clean(text)))
}

// streamFailure reports an error from before the backend stream opened to a
// streaming caller: one error event, then the terminal marker.
func (s *Server) streamFailure(c *gin.Context, req *provider.ChatRequest, err error) {
	s.logFailure(req, err)
	sw := openStream(c, req.Model)
	_ = sw.Error(completion.StreamErrorMessage(err))
	_ = sw.Done()
}

func (s *Server) logFailure(req *provider.ChatRequest, err error) provider.Kind {
	kind := provider.KindOf(err)
	s.metrics.ObserveRequest(req.Model, mode(req.Stream), kind.String())

	fields := []zap.Field{zap.String("model", req.Model), zap.Stringer("kind", kind), zap.Error(err)}
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Status != 0 {
		fields = append(fields, zap.Int("upstream_status", pe.Status), zap.String("upstream_body", pe.Body))
	}
	s.logger.Error("chat completion failed", fields...)
	return kind
}

// fail reports a buffered-mode error as a status code and JSON body.
func (s *Server) fail(c *gin.Context, req *provider.ChatRequest, err error) {
	kind := s.logFailure(req, err)

	status := http.StatusInternalServerError
	var pe *provider.Error
	if errors.As(err, &pe) {
		status = pe.HTTPStatus()
	}
	msg := completion.MsgInternal
	if kind == provider.KindTimeout {
		msg = completion.MsgTimeout
	}
	if c.Writer.Written() {
		return
	}
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) listModels(c *gin.Context) {
	models := s.router.Models()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{"id": m.ID, "object": "model", "created": m.Created, "owned_by": m.OwnedBy})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) health(c *gin.Context) {
	n := 0
	if s.pool != nil {
		n = s.pool.Len()
	}
	s.metrics.SetCredentials(n)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "credentials": n})
}

func mode(stream bool) string {
	if stream {
		return "stream"
	}
	return "buffered"
}
