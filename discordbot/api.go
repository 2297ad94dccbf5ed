package discordbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	pprofPrefix               = "/debug"
	apiPrefix                 = "/api"
	apiHealthCheck            = "/healthz"
	apiPathFeedCommissions    = "/feed/commissions/:event"
	apiPathBindings           = "/bindings"
	apiPathCommissionEvents   = "/commission_events"
	xRequestIDHeader          = "X-Request-ID"
	xFeedSecretHeader         = "X-Feed-Secret"
	defaultPageLimit          = 100
	maxPageLimit              = 1000
	feedRequestTimeout        = 60 * time.Second
	maxFeedRequestBodyBytes   = 1 << 20
	ginContextKeyAPISubject   = "api_subject"
	feedEventParam            = "event"
	queryParamLimit           = "limit"
	queryParamCommissionKey   = "key"
	authorizationBearerPrefix = "Bearer "
)

// API serves the commission feed webhook, a health check and a small
// admin API.
type API struct {
	config      *APIConfig
	httpServer  *http.Server
	listener    net.Listener
	engine      *gin.Engine
	feedLimiter *rate.Limiter
	logger      *slog.Logger
	handlers    *APIHandlers
}

// APIHandlers holds the dependencies of the API's request handlers
type APIHandlers struct {
	feed       *commissionFeed
	db         *database
	bindings   BindingStore
	connected  func() bool
	feedSecret string
}

// newAPI sets up the gin engine, middleware and routes. The feed webhook
// is only routed if a feed secret is configured, and the /api group only
// if an API secret is configured.
func newAPI(
	config *APIConfig,
	feedConfig *FeedConfig,
	development bool,
	handlers *APIHandlers,
	logger *slog.Logger,
) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	limit := rate.Inf
	if feedConfig.RequestsPerSecond > 0 {
		limit = rate.Limit(feedConfig.RequestsPerSecond)
	}
	burst := feedConfig.Burst
	if burst <= 0 {
		burst = 1
	}

	api := &API{
		config:      config,
		engine:      r,
		feedLimiter: rate.NewLimiter(limit, burst),
		logger:      logger,
		handlers:    handlers,
	}

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	if handlers.feedSecret != "" {
		r.POST(
			apiPathFeedCommissions,
			feedAuthMiddleware(handlers.feedSecret),
			rateLimitMiddleware(api.feedLimiter),
			handlers.postCommissionEvent,
		)
	} else {
		logger.Warn("feed secret not set, commission webhook disabled")
	}

	if config.Secret != "" {
		protected := r.Group(apiPrefix)
		protected.Use(authMiddleware(config.Secret))
		protected.GET(apiPathBindings, handlers.getBindings)
		protected.GET(apiPathCommissionEvents, handlers.getCommissionEvents)
	}

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheck reports whether the bot is connected to the discord gateway
func (h *APIHandlers) healthCheck(c *gin.Context) {
	connected := h.connected != nil && h.connected()
	c.JSON(http.StatusOK, healthCheckResponse{DiscordGatewayConnected: connected})
}

// postCommissionEvent handles a commission event from the feed. The
// body is the commission as JSON.
//
// Responses:
//   - 200 OK: The event was reconciled (see outcome).
//   - 400 Bad Request: Unknown event, or invalid commission.
//   - 502 Bad Gateway: A Discord or binding store call failed.
func (h *APIHandlers) postCommissionEvent(c *gin.Context) {
	logger := ginContextLogger(c)

	event, err := ParseCommissionEventType(c.Param(feedEventParam))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.AbortWithStatusJSON(
				http.StatusRequestEntityTooLarge,
				httpError{Error: fmt.Sprintf("body exceeds %d bytes", maxBytesErr.Limit)},
			)
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "error reading body"})
		return
	}
	commission, err := ParseCommission(body)
	if err != nil {
		logger.Warn("rejected commission", tint.Err(err), "event", event)
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	// the reconciler shouldn't stop half way because the client hung up
	ctx, cancel := context.WithTimeout(
		WithRequestID(context.WithoutCancel(c.Request.Context()), c.GetString(xRequestIDHeader)),
		feedRequestTimeout,
	)
	defer cancel()

	outcome, err := h.feed.Handle(ctx, feedSourceWebhook, event, commission)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusBadGateway,
			commissionEventResponse{Outcome: outcome, Error: err.Error()},
		)
		return
	}
	c.JSON(http.StatusOK, commissionEventResponse{Outcome: outcome})
}

// getBindings lists message bindings, newest first
func (h *APIHandlers) getBindings(c *gin.Context) {
	limit, err := pageLimit(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	lister, ok := h.bindings.(BindingLister)
	if !ok {
		c.AbortWithStatusJSON(
			http.StatusNotImplemented,
			httpError{Error: "binding store can't be listed"},
		)
		return
	}
	bindings, err := lister.List(c.Request.Context(), limit)
	if err != nil {
		ginContextLogger(c).Error("error listing bindings", tint.Err(err))
		ginReplyError(c, "error listing bindings")
		return
	}
	c.JSON(http.StatusOK, bindings)
}

// getCommissionEvents lists received commission events, newest first,
// optionally filtered by commission key
func (h *APIHandlers) getCommissionEvents(c *gin.Context) {
	limit, err := pageLimit(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	events, err := h.db.CommissionEvents(
		c.Request.Context(),
		c.Query(queryParamCommissionKey),
		limit,
	)
	if err != nil {
		ginContextLogger(c).Error("error getting commission events", tint.Err(err))
		ginReplyError(c, "error getting commission events")
		return
	}
	c.JSON(http.StatusOK, events)
}

func pageLimit(c *gin.Context) (int, error) {
	raw := c.Query(queryParamLimit)
	if raw == "" {
		return defaultPageLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxPageLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
	}
	return limit, nil
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type commissionEventResponse struct {
	Outcome ReconcileOutcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// feedAuthMiddleware rejects requests without the feed secret
func feedAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(xFeedSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware rejects requests once the limiter is exhausted
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		c.Next()
	}
}

// authMiddleware requires a bearer token signed with secret
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), authorizationBearerPrefix)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		claims, err := ValidateAPIToken(secret, token)
		if err != nil {
			ginContextLogger(c).Warn("invalid api token", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(ginContextKeyAPISubject, claims.Subject)
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each request, and
// returns it in the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
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
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	base, ok := ContextLogger(c.Request.Context())
	if !ok {
		base = slog.Default()
	}

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
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its status and duration
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), logger))
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFeedRequestBodyBytes)
		}

		requestLogger := ginContextLogger(c)
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
				"errors", errs.String(),
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

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
