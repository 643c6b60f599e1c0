// Package server 提供管理逻辑的 HTTP 接口：保存图定义、启动/停止持续运行、单次执行、查看日志。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"trade-builder/internal/graph"
	"trade-builder/internal/model"
	"trade-builder/internal/runner"
	"trade-builder/internal/service"
	"trade-builder/internal/store"
	"trade-builder/internal/strategy"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogicStore 是服务端使用的持久化接口，由 store.Store 实现
type LogicStore interface {
	SaveLogic(ctx context.Context, rec store.LogicRecord) error
	GetLogic(ctx context.Context, id string) (store.LogicRecord, error)
	ListLogics(ctx context.Context) ([]store.LogicRecord, error)
	DeleteLogic(ctx context.Context, id string) (bool, error)
	Logs(ctx context.Context, logicID string, limit int) ([]model.LogEntry, error)
}

// LogicRunner 是服务端使用的运行器接口，由 runner.Runner 实现
type LogicRunner interface {
	Start(def runner.Definition, interval time.Duration) error
	Stop(id string) bool
	RunOnce(ctx context.Context, def runner.Definition, logDetails bool) (strategy.TickResult, error)
	Status(id string) (runner.Status, bool)
	IsRunning(id string) bool
}

// Config 服务端参数
type Config struct {
	RunOnceTimeout    time.Duration
	RequestsPerSecond float64
}

type Server struct {
	Router *gin.Engine
	store  LogicStore
	runner LogicRunner
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, st LogicStore, rn LogicRunner, logger *zap.Logger) *Server {
	if cfg.RunOnceTimeout <= 0 {
		cfg.RunOnceTimeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(logger))
	r.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)*2+1)))

	s := &Server{Router: r, store: st, runner: rn, cfg: cfg, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)

	logics := s.Router.Group("/logics")
	{
		logics.GET("", s.listLogics)
		logics.GET("/:id", s.getLogic)
		logics.PUT("/:id", s.putLogic)
		logics.DELETE("/:id", s.deleteLogic)
		logics.POST("/:id/start", s.startLogic)
		logics.POST("/:id/stop", s.stopLogic)
		logics.POST("/:id/run-once", s.runOnce)
		logics.GET("/:id/logs", s.logs)
	}
}

// ServeHTTP 让 Server 可以直接挂到 http.Server 上
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type putLogicRequest struct {
	Symbol   string          `json:"symbol" binding:"required,min=1"`
	Interval string          `json:"interval"`
	Buy      json.RawMessage `json:"buy" binding:"required"`
	Sell     json.RawMessage `json:"sell" binding:"required"`
}

type startRequest struct {
	Interval string `json:"interval"`
}

type logicView struct {
	store.LogicRecord
	Interval string         `json:"interval,omitempty"`
	Running  bool           `json:"running"`
	Status   *runner.Status `json:"status,omitempty"`
}

func (s *Server) view(rec store.LogicRecord) logicView {
	v := logicView{LogicRecord: rec}
	if rec.Interval > 0 {
		v.Interval = service.FormatInterval(rec.Interval)
	}
	if st, ok := s.runner.Status(rec.ID); ok {
		v.Running = true
		v.Status = &st
	}
	return v
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listLogics(c *gin.Context) {
	recs, err := s.store.ListLogics(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	out := make([]logicView, len(recs))
	for i, rec := range recs {
		out[i] = s.view(rec)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getLogic(c *gin.Context) {
	rec, ok := s.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.view(rec))
}

// putLogic 保存逻辑；两张图必须能编译通过，运行中的逻辑不能修改
func (s *Server) putLogic(c *gin.Context) {
	id := c.Param("id")
	var req putLogicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.runner.IsRunning(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "logic is running, stop it before editing"})
		return
	}

	rec := store.LogicRecord{ID: id, Symbol: req.Symbol}
	if req.Interval != "" {
		d, err := service.ParseInterval(req.Interval)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec.Interval = d
	}

	var err error
	if rec.Buy, err = graph.DecodeBytes(req.Buy); err != nil {
		s.compileError(c, sideError(err, graph.SideBuy))
		return
	}
	if rec.Sell, err = graph.DecodeBytes(req.Sell); err != nil {
		s.compileError(c, sideError(err, graph.SideSell))
		return
	}
	if _, err := graph.Compile(rec.Buy, rec.Sell, nil); err != nil {
		s.compileError(c, err)
		return
	}

	if err := s.store.SaveLogic(c.Request.Context(), rec); err != nil {
		s.internalError(c, err)
		return
	}
	s.logger.Info("Logic saved", zap.String("Logic", id), zap.String("Symbol", rec.Symbol))
	c.JSON(http.StatusOK, s.view(rec))
}

func (s *Server) deleteLogic(c *gin.Context) {
	id := c.Param("id")
	if s.runner.IsRunning(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "logic is running, stop it before deleting"})
		return
	}
	ok, err := s.store.DeleteLogic(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "logic not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// startLogic 开始持续运行；请求体中的 interval 优先于保存的 interval
func (s *Server) startLogic(c *gin.Context) {
	rec, ok := s.load(c)
	if !ok {
		return
	}

	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	interval := rec.Interval
	if req.Interval != "" {
		d, err := service.ParseInterval(req.Interval)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		interval = d
	}

	err := s.runner.Start(definition(rec), interval)
	switch {
	case err == nil:
		st, _ := s.runner.Status(rec.ID)
		c.JSON(http.StatusOK, st)
	case errors.Is(err, runner.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, runner.ErrIntervalTooShort):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, graph.ErrCompile):
		s.compileError(c, err)
	case errors.Is(err, runner.ErrShutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

func (s *Server) stopLogic(c *gin.Context) {
	id := c.Param("id")
	if !s.runner.Stop(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "logic not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "stopped": true})
}

type runOnceResponse struct {
	strategy.TickResult
	Error string `json:"error,omitempty"`
}

// runOnce 同步执行一次；?details=true 时返回逐节点说明。本次执行的失败放在响应的 error 字段中。
func (s *Server) runOnce(c *gin.Context) {
	rec, ok := s.load(c)
	if !ok {
		return
	}
	details, _ := strconv.ParseBool(c.Query("details"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RunOnceTimeout)
	defer cancel()
	res, err := s.runner.RunOnce(ctx, definition(rec), details)
	if errors.Is(err, graph.ErrCompile) {
		s.compileError(c, err)
		return
	}
	resp := runOnceResponse{TickResult: res}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) logs(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := s.store.Logs(c.Request.Context(), id, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// load 读取路径中的逻辑，不存在时已写好 404
func (s *Server) load(c *gin.Context) (store.LogicRecord, bool) {
	rec, err := s.store.GetLogic(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return rec, false
	}
	if err != nil {
		s.internalError(c, err)
		return rec, false
	}
	return rec, true
}

func (s *Server) compileError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var ce *graph.CompileError
	if errors.As(err, &ce) {
		body["graph"] = ce.Graph
		if ce.NodeID != "" {
			body["node"] = ce.NodeID
		}
		if ce.Err != nil {
			body["kind"] = ce.Err.Error()
		}
	}
	c.JSON(http.StatusUnprocessableEntity, body)
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("Request failed", zap.String("Path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func definition(rec store.LogicRecord) runner.Definition {
	return runner.Definition{ID: rec.ID, Symbol: rec.Symbol, Buy: rec.Buy, Sell: rec.Sell}
}

func sideError(err error, side string) error {
	var ce *graph.CompileError
	if errors.As(err, &ce) && ce.Graph == "" {
		ce.Graph = side
	}
	return err
}
