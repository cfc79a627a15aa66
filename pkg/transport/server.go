package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/modules"
	"github.com/openfroyo/bsig/pkg/policy"
	"github.com/openfroyo/bsig/pkg/registry"
	"github.com/openfroyo/bsig/pkg/stores"
	"github.com/openfroyo/bsig/pkg/telemetry"
)

// Routes served by every agent.
const (
	PathSatisfier   = "/bsig/satisfier"
	PathRepairModel = "/bsig"
	PathAgents      = "/agents"
	PathModel       = "/model"
	PathModules     = "/modules"
	PathState       = "/state"
	PathHealth      = "/health"
	PathMetrics     = "/metrics"
	PathEvents      = "/events"
)

// ContentTypeModule is the media type of module archives.
const ContentTypeModule = "application/zstd"

// Satisfier is the part of the engine the server drives.
type Satisfier interface {
	ReceiveGoal(ctx context.Context, goalID int64, goal engine.Goal, piFloor int) bool
	CollectState(ctx context.Context) (engine.State, error)
	Enabled() bool
	Whoami() string
}

// Registry applies registry deltas received from peers.
type Registry interface {
	GetAgentRegistry(ctx context.Context) (map[string]engine.AgentEntry, error)
	ApplyLocal(ctx context.Context, delta engine.RegistryDelta) error
}

// ModuleStore lists and installs resource modules.
type ModuleStore interface {
	Hashes(ctx context.Context) (map[string]string, error)
	Install(ctx context.Context, name string, archive []byte) error
}

// Authorizer decides whether a peer request is trusted.
type Authorizer interface {
	Authorize(ctx context.Context, in policy.RequestInput) (policy.Decision, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddress is host:port to bind.
	ListenAddress string

	// MaxModuleSize bounds module uploads.
	MaxModuleSize int64

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// ServerDeps are the collaborators of a Server. Engine, Registry and Store
// are required.
type ServerDeps struct {
	Engine     Satisfier
	Registry   Registry
	Store      stores.Store
	Modules    ModuleStore
	Authorizer Authorizer

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Server is the HTTP surface peers and the CLI talk to.
type Server struct {
	cfg    ServerConfig
	deps   ServerDeps
	logger zerolog.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer creates the server and its routes.
func NewServer(cfg ServerConfig, deps ServerDeps) (*Server, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("transport: engine is required")
	case deps.Registry == nil:
		return nil, errors.New("transport: registry is required")
	case deps.Store == nil:
		return nil, errors.New("transport: store is required")
	}
	if cfg.MaxModuleSize <= 0 {
		cfg.MaxModuleSize = modules.MaxArchiveSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "transport").Logger(),
		router: gin.New(),
	}
	s.attachRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) attachRoutes() {
	r := s.router
	r.Use(gin.Recovery(), s.requestLogger(), s.trust())

	r.GET(PathHealth, s.health)
	r.GET(PathMetrics, gin.WrapH(s.deps.Metrics.Handler()))

	bsig := r.Group(PathRepairModel)
	{
		bsig.GET("", s.getRepairModel)
		bsig.PUT("", s.putRepairModel)
		bsig.PUT("/satisfier", s.satisfy)
	}

	r.GET(PathAgents, s.getAgents)
	r.PUT(PathAgents, s.putAgents)

	r.GET(PathModel, s.getModel)
	r.PUT(PathModel, s.putModel)

	r.GET(PathModules, s.getModules)
	r.PUT(PathModules+"/:name", s.putModule)

	r.GET(PathState, s.getState)
	r.GET(PathEvents, s.getEvents)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", ln.Addr().String()).Msg("Peer server listening")
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("failed to shut down peer server: %w", err)
	}
	s.logger.Info().Msg("Peer server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("remote_addr", c.ClientIP()).
			Int("code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}

// trust rejects requests the authorizer does not allow with 403.
func (s *Server) trust() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Authorizer == nil {
			c.Next()
			return
		}
		decision, err := s.deps.Authorizer.Authorize(c.Request.Context(), policy.RequestInput{
			RemoteAddr: remoteIP(c.Request),
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			Agent:      c.GetHeader(HeaderAgent),
			Self:       s.deps.Engine.Whoami(),
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
			return
		}
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"err": "untrusted request", "denials": decision.Denials})
			return
		}
		c.Next()
	}
}

// remoteIP returns the socket peer address; forwarding headers are ignored.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Enabled bool   `json:"enabled"`
	ModelID *int64 `json:"model_id,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := HealthResponse{Status: "ok", Agent: s.deps.Engine.Whoami(), Enabled: s.deps.Engine.Enabled()}
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	if model, err := s.deps.Store.GetRepairModel(ctx); err == nil && model != nil {
		resp.ModelID = &model.ID
	}
	c.JSON(http.StatusOK, resp)
}

// satisfy answers 200 iff the delegated goal holds after repair.
func (s *Server) satisfy(c *gin.Context) {
	var req engine.SatisfierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if req.Pi < 1 {
		req.Pi = 1
	}

	if !s.deps.Engine.ReceiveGoal(c.Request.Context(), req.ID, req.Goal, req.Pi) {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "id": req.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": req.ID})
}

func (s *Server) getRepairModel(c *gin.Context) {
	model, err := s.deps.Store.GetRepairModel(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if model == nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "no repair model"})
		return
	}
	c.JSON(http.StatusOK, model)
}

func (s *Server) putRepairModel(c *gin.Context) {
	var model engine.RepairModel
	if err := c.ShouldBindJSON(&model); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	err := s.deps.Store.SaveRepairModel(c.Request.Context(), &model)
	switch {
	case errors.Is(err, stores.ErrStaleRepairModel):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
		return
	case engine.IsPermanent(err):
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	s.deps.Events.PublishModelUpdated("repair_model", model.ID)
	s.logger.Info().Int64("model_id", model.ID).Int("operators", len(model.Operators)).Msg("Repair model updated")
	c.JSON(http.StatusOK, gin.H{"id": model.ID})
}

func (s *Server) getAgents(c *gin.Context) {
	agents, err := s.deps.Registry.GetAgentRegistry(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agents)
}

// putAgents applies a delta pushed by a peer without forwarding it.
func (s *Server) putAgents(c *gin.Context) {
	var delta engine.RegistryDelta
	if err := c.ShouldBindJSON(&delta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if err := s.deps.Registry.ApplyLocal(c.Request.Context(), delta); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, registry.ErrInvalidEntry) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(delta)})
}

func (s *Server) getModel(c *gin.Context) {
	tree, err := s.deps.Store.GetModelTree(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if len(tree) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"err": "no model"})
		return
	}
	c.JSON(http.StatusOK, tree)
}

// putModel replaces the desired-state tree with the body.
func (s *Server) putModel(c *gin.Context) {
	var tree map[string]map[string]any
	if err := c.ShouldBindJSON(&tree); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if err := s.deps.Store.ReplaceModels(c.Request.Context(), tree); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	s.deps.Events.PublishModelUpdated("model", 0)
	s.logger.Info().Int("agents", len(tree)).Msg("Model updated")
	c.JSON(http.StatusOK, gin.H{"agents": len(tree)})
}

func (s *Server) getModules(c *gin.Context) {
	if s.deps.Modules == nil {
		c.JSON(http.StatusOK, map[string]string{})
		return
	}
	hashes, err := s.deps.Modules.Hashes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, hashes)
}

func (s *Server) putModule(c *gin.Context) {
	if s.deps.Modules == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"err": "modules are not managed by this agent"})
		return
	}
	name := c.Param("name")
	archive, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxModuleSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if int64(len(archive)) > s.cfg.MaxModuleSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"err": "module archive too large"})
		return
	}

	err = s.deps.Modules.Install(c.Request.Context(), name, archive)
	switch {
	case errors.Is(err, modules.ErrInvalidName), errors.Is(err, modules.ErrUnsafeArchive):
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": name})
}

// getState returns the observed state, optionally limited to ?prefix=.
func (s *Server) getState(c *gin.Context) {
	state, err := s.deps.Engine.CollectState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if prefix := c.Query("prefix"); prefix != "" {
		root, err := engine.ParsePath(prefix)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
			return
		}
		filtered := make(engine.State)
		for p, v := range state {
			if p.Under(root) {
				filtered[p] = v
			}
		}
		state = filtered
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) getEvents(c *gin.Context) {
	q := stores.EventQuery{
		Type:  c.Query("type"),
		Agent: c.Query("agent"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"err": "invalid limit"})
			return
		}
		q.Limit = n
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "invalid since: " + err.Error()})
			return
		}
		q.Since = since
	}

	events, err := s.deps.Store.ListEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	if events == nil {
		events = []*stores.Event{}
	}
	c.JSON(http.StatusOK, events)
}
