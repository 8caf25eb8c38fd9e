package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

const (
	correlationHeader    = "X-Correlation-Id"
	defaultSettleTimeout = 10 * time.Second
)

// Handler serves the webhook from API Gateway. Unlike the HTTP server it
// processes each delivery before returning and waits for pending shares to
// resolve, since the execution environment freezes between invocations.
type Handler struct {
	proc          Processor
	cfg           WebhookConfig
	settleTimeout time.Duration
	logger        *slog.Logger
}

func NewHandler(proc Processor, cfg WebhookConfig) (*Handler, error) {
	if proc == nil {
		return nil, errors.New("handler: processor must not be nil")
	}
	if cfg.VerifyToken == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	return &Handler{
		proc:          proc,
		cfg:           cfg,
		settleTimeout: defaultSettleTimeout,
		logger:        slog.Default().With("component", "lambda"),
	}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", corrID)

	path := strings.TrimRight(req.Path, "/")
	switch {
	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(path, "/healthz"):
		return jsonResponse(http.StatusOK, corrID, map[string]string{"status": "ok"}), nil

	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(path, "/webhook"):
		q := req.QueryStringParameters
		challenge, ok := VerifyHandshake(q["hub.mode"], q["hub.verify_token"], q["hub.challenge"], h.cfg.VerifyToken)
		if !ok {
			logger.Warn("webhook handshake rejected", "mode", q["hub.mode"])
			return textResponse(http.StatusForbidden, corrID, ""), nil
		}
		return textResponse(http.StatusOK, corrID, challenge), nil

	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(path, "/webhook"):
		body, err := requestBody(req)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, corrID, ErrorResponse{Error: "invalid body encoding", Code: "INVALID_REQUEST"}), nil
		}
		if !h.cfg.authentic(body, header(req.Headers, signatureHeader)) {
			logger.Warn("webhook signature mismatch")
			return jsonResponse(http.StatusUnauthorized, corrID, ErrorResponse{Error: "invalid signature", Code: "INVALID_SIGNATURE"}), nil
		}
		outcomes := h.proc.ProcessInboundPayload(ctx, body)
		settleCtx, cancel := context.WithTimeout(ctx, h.settleTimeout)
		defer cancel()
		if err := h.proc.Settle(settleCtx); err != nil {
			logger.Warn("pending work not settled before return", "err", err)
		}
		logger.Info("webhook delivery processed", "events", len(outcomes))
		return textResponse(http.StatusOK, corrID, eventReceived), nil
	}
	return jsonResponse(http.StatusNotFound, corrID, ErrorResponse{Error: "route not found", Code: "NOT_FOUND"}), nil
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

// header looks key up case-insensitively.
func header(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func textResponse(status int, corrID, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain", correlationHeader: corrID},
		Body:       body,
	}
}

func jsonResponse(status int, corrID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"internal error","code":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json", correlationHeader: corrID},
		Body:       string(b),
	}
}
