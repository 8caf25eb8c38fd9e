package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/vetalok777/instaAgent/internal/usecase"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventReceived   = "EVENT_RECEIVED"
)

// Processor is the orchestrator surface the transports drive.
type Processor interface {
	ProcessInboundPayload(ctx context.Context, raw []byte) []usecase.Outcome
	Enqueue(raw []byte) error
	Settle(ctx context.Context) error
}

type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks when set.
	AppSecret string
}

// VerifyHandshake answers the subscription handshake. It returns the
// challenge to echo back and whether the handshake is accepted.
func VerifyHandshake(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || challenge == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

// ValidSignature checks a "sha256=<hex>" signature of body.
func ValidSignature(body []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (c WebhookConfig) authentic(body []byte, header string) bool {
	if c.AppSecret == "" {
		return true
	}
	return ValidSignature(body, header, c.AppSecret)
}
