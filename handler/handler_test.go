package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/vetalok777/instaAgent/internal/usecase"
)

type stubProcessor struct {
	mu         sync.Mutex
	processed  [][]byte
	enqueued   [][]byte
	settled    int
	enqueueErr error
	settleErr  error
}

func (s *stubProcessor) ProcessInboundPayload(_ context.Context, raw []byte) []usecase.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, raw)
	return []usecase.Outcome{{Kind: usecase.KindPlainText, Result: usecase.ResultReplied}}
}

func (s *stubProcessor) Enqueue(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, raw)
	return s.enqueueErr
}

func (s *stubProcessor) Settle(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled++
	return s.settleErr
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

// ---------------------------------------------------------------------------
// Webhook primitives
// ---------------------------------------------------------------------------

func TestVerifyHandshake(t *testing.T) {
	challenge, ok := VerifyHandshake("subscribe", "secret", "1158201444", "secret")
	require.True(t, ok)
	require.Equal(t, "1158201444", challenge)

	for _, tc := range []struct{ mode, token, challenge, expected string }{
		{"subscribe", "wrong", "c", "secret"},
		{"unsubscribe", "secret", "c", "secret"},
		{"subscribe", "", "c", ""},
		{"subscribe", "secret", "", "secret"},
	} {
		_, ok := VerifyHandshake(tc.mode, tc.token, tc.challenge, tc.expected)
		require.False(t, ok, "%+v", tc)
	}
}

func TestValidSignature(t *testing.T) {
	body := `{"object":"instagram"}`
	require.True(t, ValidSignature([]byte(body), sign(body, "app-secret"), "app-secret"))
	require.False(t, ValidSignature([]byte(body), sign(body, "other"), "app-secret"))
	require.False(t, ValidSignature([]byte(body), "sha1=abc", "app-secret"))
	require.False(t, ValidSignature([]byte(body), "sha256=zz", "app-secret"))
	require.False(t, ValidSignature([]byte(body), "", "app-secret"))
}

// ---------------------------------------------------------------------------
// Lambda handler
// ---------------------------------------------------------------------------

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, WebhookConfig{VerifyToken: "v"})
	require.Error(t, err)
	_, err = NewHandler(&stubProcessor{}, WebhookConfig{})
	require.Error(t, err)
}

func TestHandle_Handshake(t *testing.T) {
	h, err := NewHandler(&stubProcessor{}, WebhookConfig{VerifyToken: "verify-me"})
	require.NoError(t, err)

	event := makeEvent(http.MethodGet, "/webhook", "")
	event.QueryStringParameters = map[string]string{"hub.mode": "subscribe", "hub.verify_token": "verify-me", "hub.challenge": "42"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "42", resp.Body)

	event.QueryStringParameters["hub.verify_token"] = "nope"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandle_DeliveryProcessedAndSettled(t *testing.T) {
	proc := &stubProcessor{}
	h, err := NewHandler(proc, WebhookConfig{VerifyToken: "v"})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/prod/webhook", `{"entry":[]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, eventReceived, resp.Body)
	require.Equal(t, [][]byte{[]byte(`{"entry":[]}`)}, proc.processed)
	require.Equal(t, 1, proc.settled)
	require.Empty(t, proc.enqueued)
	require.NotEmpty(t, resp.Headers[correlationHeader])
}

func TestHandle_SettleTimeoutStillAcks(t *testing.T) {
	proc := &stubProcessor{settleErr: context.DeadlineExceeded}
	h, err := NewHandler(proc, WebhookConfig{VerifyToken: "v"})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_Base64Body(t *testing.T) {
	proc := &stubProcessor{}
	h, err := NewHandler(proc, WebhookConfig{VerifyToken: "v"})
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/webhook", base64.StdEncoding.EncodeToString([]byte(`{"a":1}`)))
	event.IsBase64Encoded = true
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(proc.processed[0]))

	event.Body = "%%%"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_SignatureChecked_CaseInsensitive(t *testing.T) {
	proc := &stubProcessor{}
	h, err := NewHandler(proc, WebhookConfig{VerifyToken: "v", AppSecret: "app-secret"})
	require.NoError(t, err)

	body := `{"object":"instagram","entry":[]}`
	event := makeEvent(http.MethodPost, "/webhook", body)
	event.Headers["x-hub-signature-256"] = sign(body, "app-secret")
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event.Headers["x-hub-signature-256"] = sign(body, "forged")
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "INVALID_SIGNATURE", parseBody[ErrorResponse](t, resp.Body).Code)
	require.Len(t, proc.processed, 1)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubProcessor{}, WebhookConfig{VerifyToken: "v"})
	require.NoError(t, err)

	event := makeEvent(http.MethodGet, "/healthz", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, err := NewHandler(&stubProcessor{enqueueErr: errors.New("unused")}, WebhookConfig{VerifyToken: "v"})
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodDelete, "/webhook", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
