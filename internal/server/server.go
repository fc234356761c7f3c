// Package server exposes a boxedr session over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bpowers/boxedr"
	"github.com/bpowers/boxedr/diag"
)

// Server routes HTTP requests to one session.
type Server struct {
	sess       *boxedr.Session
	metrics    http.Handler
	logger     *slog.Logger
	runTimeout time.Duration
}

// Options configures a Server.
type Options struct {
	// Metrics is served at /metrics when set.
	Metrics http.Handler

	// RunTimeout bounds each run. Zero means no limit beyond the request.
	RunTimeout time.Duration

	Logger *slog.Logger
}

// New returns a server for sess.
func New(sess *boxedr.Session, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = sess.Diagnostics().Logger()
	}
	return &Server{
		sess:       sess,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		runTimeout: opts.RunTimeout,
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logging())

	v1 := r.Group("/v1")
	v1.GET("/state", s.State)
	v1.POST("/initialize", s.Initialize)
	v1.POST("/restart", s.Restart)
	v1.POST("/run", s.Run)
	v1.GET("/logs", s.Logs)
	v1.GET("/logs/stream", s.StreamLogs)
	v1.GET("/cache", s.CacheStatus)
	v1.DELETE("/cache", s.WipeCache)
	v1.POST("/cache/persist", s.PersistCache)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// logging logs each request with its latency.
func (s *Server) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// The log stream would otherwise log itself.
		if path == "/v1/logs/stream" || path == "/metrics" {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// StateResponse describes the session.
type StateResponse struct {
	State         string   `json:"state"`
	Channel       string   `json:"channel,omitempty"`
	GenerationTag string   `json:"generation_tag"`
	LibraryPath   string   `json:"library_path"`
	Packages      []string `json:"packages"`
	AssetBase     string   `json:"asset_base,omitempty"`
	AssetSource   string   `json:"asset_source,omitempty"`
	Error         string   `json:"error,omitempty"`
	Stage         string   `json:"stage,omitempty"`
}

func (s *Server) state() StateResponse {
	a := s.sess.Assets()
	resp := StateResponse{
		State:         s.sess.State().String(),
		Channel:       string(s.sess.Channel()),
		GenerationTag: s.sess.GenerationTag(),
		LibraryPath:   s.sess.LibraryPath(),
		Packages:      s.sess.Packages(),
		AssetBase:     a.Base,
		AssetSource:   string(a.Source),
	}
	if err := s.sess.Err(); err != nil {
		resp.Error = err.Error()
		var ie *boxedr.InitError
		if errors.As(err, &ie) {
			resp.Stage = string(ie.Stage)
		}
	}
	return resp
}

// State handles GET /v1/state
func (s *Server) State(c *gin.Context) {
	c.JSON(http.StatusOK, s.state())
}

// Initialize handles POST /v1/initialize
func (s *Server) Initialize(c *gin.Context) {
	if err := s.sess.Initialize(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

// Restart handles POST /v1/restart
func (s *Server) Restart(c *gin.Context) {
	if err := s.sess.Restart(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

// RunRequest is the body of POST /v1/run. Input may be any JSON value; a
// JSON string is bound unquoted, anything else is bound as JSON text.
type RunRequest struct {
	Script string          `json:"script" binding:"required"`
	Input  json.RawMessage `json:"input"`
}

// RunResponse is returned for a successful run.
type RunResponse struct {
	RunID      string          `json:"run_id"`
	DurationMS int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result"`
}

// ErrorResponse carries an execution error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
	Hint   string `json:"hint,omitempty"`
	Output string `json:"output,omitempty"`
	Fatal  bool   `json:"fatal,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// Run handles POST /v1/run
func (s *Server) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	input, err := inputText(req.Input)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid input: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	res, err := s.sess.Run(ctx, req.Script, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{
		RunID:      res.RunID,
		DurationMS: res.Duration.Milliseconds(),
		Result:     json.RawMessage(res.JSON),
	})
}

func inputText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

// Logs handles GET /v1/logs
func (s *Server) Logs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lines": s.sess.Diagnostics().Lines()})
}

// StreamLogs handles GET /v1/logs/stream as server-sent events. Every
// buffered line is sent first, then new lines as they are logged.
func (s *Server) StreamLogs(c *gin.Context) {
	sink := s.sess.Diagnostics()
	ch := make(chan diag.Entry, 64)
	backlog, cancel := sink.SubscribeWithBacklog(func(e diag.Entry) {
		select {
		case ch <- e:
		default:
			// client fell behind
		}
	})
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		if len(backlog) > 0 {
			for _, e := range backlog {
				c.SSEvent("log", e.String())
			}
			backlog = nil
			return true
		}
		select {
		case e := <-ch:
			c.SSEvent("log", e.String())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// CacheStatus handles GET /v1/cache
func (s *Server) CacheStatus(c *gin.Context) {
	m, err := s.sess.CacheStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": m})
}

// WipeCache handles DELETE /v1/cache
func (s *Server) WipeCache(c *gin.Context) {
	if err := s.sess.WipeCache(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PersistCache handles POST /v1/cache/persist
func (s *Server) PersistCache(c *gin.Context) {
	durable, err := s.sess.PersistStorage(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"durable": durable})
}

func (s *Server) fail(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var ee *boxedr.ExecutionError
	var ie *boxedr.InitError
	switch {
	case errors.As(err, &ee):
		resp.Kind = ee.Kind.String()
		resp.Line, resp.Column = ee.Line, ee.Column
		resp.Hint, resp.Output, resp.Fatal = ee.Hint, ee.Output, ee.Fatal
		status = http.StatusUnprocessableEntity
		if ee.Fatal {
			status = http.StatusInternalServerError
		}
	case errors.As(err, &ie):
		resp.Stage = string(ie.Stage)
		status = http.StatusServiceUnavailable
	case errors.Is(err, boxedr.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, boxedr.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, boxedr.ErrNoStore):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case boxedr.IsStorage(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, resp)
}
