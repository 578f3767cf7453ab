package ops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache-engine/types"
	"github.com/saiset-co/sai-cache-engine/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Server exposes the operational surface: Prometheus metrics, health checks
// and cache statistics. It serves introspection only and never mutates state,
// with the one exception of POST /invalidate for manual operator intervention.
type Server struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.OpsConfig
	metrics         types.MetricsManager
	monitor         types.HealthMonitor
	graph           types.GraphManager
	server          *fasthttp.Server
	listener        net.Listener
	promHandler     fasthttp.RequestHandler
	state           atomic.Value
	shutdownTimeout time.Duration
}

// metricsHandlerProvider is implemented by backends that can serve the native
// Prometheus exposition format.
type metricsHandlerProvider interface {
	Handler() http.Handler
}

func NewServer(
	ctx context.Context,
	logger types.Logger,
	config *types.OpsConfig,
	metrics types.MetricsManager,
	monitor types.HealthMonitor,
	graph types.GraphManager,
) (*Server, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrOpsServerDisabled
	}

	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		metrics:         metrics,
		monitor:         monitor,
		graph:           graph,
		shutdownTimeout: 5 * time.Second,
	}

	if provider, ok := metrics.(metricsHandlerProvider); ok && provider != nil {
		s.promHandler = fasthttpadaptor.NewFastHTTPHandler(provider.Handler())
	}

	s.state.Store(StateStopped)

	return s, nil
}

func (s *Server) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.server = &fasthttp.Server{
		Handler:               s.handleRequest,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		NoDefaultServerHeader: true,
		CloseOnShutdown:       true,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(StateStopped)
		return types.WrapError(err, "ops listener failed")
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			s.logger.Error("Ops server failed", zap.Error(err))
			s.state.Store(StateStopped)
		}
	}()

	s.state.Store(StateRunning)

	s.logger.Info("Ops server started successfully", zap.String("address", addr))

	return nil
}

func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.state.Store(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		return types.WrapError(err, "ops server shutdown failed")
	}

	return nil
}

func (s *Server) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *Server) handleRequest(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case method == fasthttp.MethodGet && path == "/metrics":
		s.handleMetrics(ctx)
	case method == fasthttp.MethodGet && path == "/metrics/stats":
		s.handleMetricsStats(ctx)
	case method == fasthttp.MethodGet && path == "/health":
		s.handleHealth(ctx)
	case method == fasthttp.MethodGet && path == "/stats":
		s.handleStats(ctx)
	case method == fasthttp.MethodGet && path == "/deadletters":
		s.handleDeadLetters(ctx)
	case method == fasthttp.MethodPost && path == "/invalidate":
		s.handleInvalidate(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	if s.promHandler != nil {
		s.promHandler(ctx)
		return
	}

	if s.metrics == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	data, err := s.metrics.GetMetrics()
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}

	s.writeJSONBytes(ctx, fasthttp.StatusOK, data)
}

func (s *Server) handleMetricsStats(ctx *fasthttp.RequestCtx) {
	if s.metrics == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	data, err := s.metrics.GetStats()
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}

	s.writeJSONBytes(ctx, fasthttp.StatusOK, data)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.monitor == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	checkCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	report := s.monitor.Check(checkCtx)

	status := fasthttp.StatusOK
	if report.Status != types.StatusHealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	s.writeJSON(ctx, status, report)
}

type statsResponse struct {
	Monitor            types.MonitorStats `json:"monitor"`
	HitRatio1m         float64            `json:"hit_ratio_1m"`
	HitRatio5m         float64            `json:"hit_ratio_5m"`
	QueueDepth         int                `json:"queue_depth"`
	DeadLetters        int                `json:"dead_letters"`
	EvictionCandidates []string           `json:"eviction_candidates"`
	WarmCandidates     []string           `json:"warm_candidates"`
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	resp := statsResponse{}

	if s.monitor != nil {
		resp.Monitor = s.monitor.Stats()
		resp.HitRatio1m = s.monitor.HitRatio(time.Minute)
		resp.HitRatio5m = s.monitor.HitRatio(5 * time.Minute)
		resp.EvictionCandidates = s.monitor.EvictionCandidates(10)
		resp.WarmCandidates = s.monitor.WarmCandidates(10)
	}

	if s.graph != nil {
		resp.QueueDepth = s.graph.QueueDepth()
		resp.DeadLetters = len(s.graph.DeadLetters())
	}

	s.writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleDeadLetters(ctx *fasthttp.RequestCtx) {
	if s.graph == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, s.graph.DeadLetters())
}

type invalidateRequest struct {
	Key       string   `json:"key"`
	Tags      []string `json:"tags"`
	Cascading bool     `json:"cascading"`
	Async     bool     `json:"async"`
}

func (s *Server) handleInvalidate(ctx *fasthttp.RequestCtx) {
	if s.graph == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	var req invalidateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err)
		return
	}

	if req.Key == "" && len(req.Tags) == 0 {
		s.writeError(ctx, fasthttp.StatusBadRequest, types.ErrStoreKeyEmpty)
		return
	}

	var report *types.InvalidationReport
	var err error

	if req.Key != "" {
		report, err = s.graph.Invalidate(s.ctx, req.Key, types.InvalidateOptions{
			Cascading: req.Cascading,
			Async:     req.Async,
			Reason:    "manual",
		})
	} else {
		report, err = s.graph.InvalidateByTag(s.ctx, req.Tags...)
	}

	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, report)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, payload interface{}) {
	data, err := utils.Marshal(payload)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	s.writeJSONBytes(ctx, status, data)
}

func (s *Server) writeJSONBytes(ctx *fasthttp.RequestCtx, status int, data []byte) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := utils.Marshal(map[string]string{"error": err.Error()})
	ctx.SetBody(body)
}
