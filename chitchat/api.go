package chitchat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	pprofPrefix            = "/debug"
	apiHealthCheck         = "/healthz"
	apiMetrics             = "/metrics"
	apiDiscordInteractions = "/discord/interactions"
)

const xRequestIDHeader = "X-Request-ID"

// API is the bot's status server. It reports gateway health and exposes
// Prometheus metrics (plus pprof, in development mode).
type API struct {
	config     *APIConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	listener net.Listener
	mu       sync.Mutex // protects listener
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	if b.metrics == nil {
		return nil, fmt.Errorf("api: metrics not initialized")
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: newSubsystemLogger("api", config.LogLevel),
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, healthCheckHandler(b))
	r.HEAD(apiHealthCheck, healthCheckHandler(b))
	r.GET(apiMetrics, gin.WrapH(b.metrics.Handler()))

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}
	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	ln, err := a.listen(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

func (a *API) listen(ctx context.Context) (net.Listener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener, nil
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return nil, fmt.Errorf("api: listen on %s %s: %w", network, a.config.Listen, err)
	}
	a.listener = ln
	return ln, nil
}

// Shutdown gracefully stops the server. See [http.Server.Shutdown].
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// Close immediately closes the server's listener and connections
func (a *API) Close() error {
	return a.httpServer.Close()
}

// healthCheckResponse is the /healthz payload
type healthCheckResponse struct {
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	DiscordConnects         int64     `json:"discord_connects"`
	DiscordDisconnects      int64     `json:"discord_disconnects"`
	Version                 string    `json:"version"`
	StartedAt               time.Time `json:"started_at,omitzero"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func healthCheckHandler(b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(
			http.StatusOK, healthCheckResponse{
				DiscordGatewayConnected: b.discord.connected.Load(),
				DiscordConnects:         b.discord.metricConnects.Load(),
				DiscordDisconnects:      b.discord.metricDisconnects.Load(),
				Version:                 Version,
				StartedAt:               b.startedAt,
			},
		)
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming request,
// and echoes it back in the X-Request-ID response header.
// A well-formed X-Request-ID sent by the client is kept.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration, response status and size, and any errors attached to the
// gin context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}
