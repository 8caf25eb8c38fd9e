package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type RouterConfig struct {
	Processor Processor
	Webhook   WebhookConfig
	// Management routes are mounted only when Token, Catalog and Tenants
	// are all set.
	Management ManagementConfig
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// NewRouter builds the long-running server's routes: the webhook, health,
// metrics and the management API.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	if cfg.Processor == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if cfg.Webhook.VerifyToken == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	w := &webhookRoutes{proc: cfg.Processor, cfg: cfg.Webhook, logger: logger}
	r.GET("/webhook", w.handshake)
	r.POST("/webhook", w.receive)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.Management.enabled() {
		cfg.Management.mount(r.Group("/api/v1"), logger)
	} else {
		logger.Info("management API disabled")
	}
	return r, nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		start := time.Now()
		c.Next()
		logger.Debug("request served",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

type webhookRoutes struct {
	proc   Processor
	cfg    WebhookConfig
	logger *slog.Logger
}

func (w *webhookRoutes) handshake(c *gin.Context) {
	challenge, ok := VerifyHandshake(c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"), w.cfg.VerifyToken)
	if !ok {
		w.logger.Warn("webhook handshake rejected", "mode", c.Query("hub.mode"))
		c.Status(http.StatusForbidden)
		return
	}
	c.String(http.StatusOK, challenge)
}

// receive acknowledges first; processing happens on the worker pool.
func (w *webhookRoutes) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable body", Code: "INVALID_REQUEST"})
		return
	}
	if !w.cfg.authentic(body, c.GetHeader(signatureHeader)) {
		w.logger.Warn("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature", Code: "INVALID_SIGNATURE"})
		return
	}
	// A full queue is logged by the orchestrator; the delivery is still
	// acknowledged.
	_ = w.proc.Enqueue(body)
	c.String(http.StatusOK, eventReceived)
}
