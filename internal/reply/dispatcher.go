package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultMaxLength   = 1000
	DefaultChunkLength = 990
)

// Sender delivers one message over the outbound channel.
type Sender interface {
	Send(ctx context.Context, recipientID, text, accessToken string) error
}

// Dispatcher delivers replies, splitting text longer than maxLen into
// ordered chunks of at most chunkLen characters sent one after another.
type Dispatcher struct {
	sender   Sender
	maxLen   int
	chunkLen int
	delay    time.Duration
	logger   *slog.Logger
	observe  func(ok bool)
}

type Option func(*Dispatcher)

// WithLimits sets the single-message maximum and the chunk size. Values that
// would produce chunks over the maximum are ignored.
func WithLimits(maxLen, chunkLen int) Option {
	return func(d *Dispatcher) {
		if maxLen > 0 && chunkLen > 0 && chunkLen <= maxLen {
			d.maxLen = maxLen
			d.chunkLen = chunkLen
		}
	}
}

// WithChunkDelay pauses between consecutive chunks.
func WithChunkDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.delay = delay
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver is called after each chunk send with its outcome.
func WithObserver(fn func(ok bool)) Option {
	return func(d *Dispatcher) {
		d.observe = fn
	}
}

func New(sender Sender, opts ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("reply: sender must not be nil")
	}
	d := &Dispatcher{
		sender:   sender,
		maxLen:   DefaultMaxLength,
		chunkLen: DefaultChunkLength,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Send delivers text to recipientID. A failed chunk is logged and the rest
// are still attempted; the returned error joins every chunk failure.
func (d *Dispatcher) Send(ctx context.Context, recipientID, text, accessToken string) error {
	chunks := Split(text, d.maxLen, d.chunkLen)
	var errs []error
	for i, chunk := range chunks {
		if i > 0 && d.delay > 0 {
			if err := sleep(ctx, d.delay); err != nil {
				errs = append(errs, fmt.Errorf("reply: chunk %d/%d not sent: %w", i+1, len(chunks), err))
				break
			}
		}
		err := d.sender.Send(ctx, recipientID, chunk, accessToken)
		if d.observe != nil {
			d.observe(err == nil)
		}
		if err != nil {
			d.logger.Error("reply chunk failed", "recipient", recipientID, "chunk", i+1, "chunks", len(chunks), "err", err)
			errs = append(errs, fmt.Errorf("reply: chunk %d/%d: %w", i+1, len(chunks), err))
		}
	}
	return errors.Join(errs...)
}

// Split cuts text into chunks by character count. Text of at most maxLen
// characters is returned whole. Concatenating the chunks yields text.
func Split(text string, maxLen, chunkLen int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	chunks := make([]string, 0, len(runes)/chunkLen+1)
	for start := 0; start < len(runes); start += chunkLen {
		end := start + chunkLen
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
