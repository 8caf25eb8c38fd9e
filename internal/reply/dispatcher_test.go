package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

type sent struct {
	recipient, text, token string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sent
	failOn map[int]error
}

func (f *fakeSender) Send(_ context.Context, recipient, text, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.sent)
	f.sent = append(f.sent, sent{recipient, text, token})
	return f.failOn[idx]
}

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	require.Equal(t, []string{"hello"}, Split("hello", 1000, 990))
	exact := strings.Repeat("a", 1000)
	require.Equal(t, []string{exact}, Split(exact, 1000, 990))
	require.Nil(t, Split("", 1000, 990))
}

func TestSplit_1500Chars(t *testing.T) {
	text := strings.Repeat("abcde", 300)
	chunks := Split(text, 1000, 990)
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 990)
	require.Len(t, chunks[1], 510)
	require.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_RoundTripAndBounds(t *testing.T) {
	for _, n := range []int{1001, 1980, 1981, 5000} {
		text := strings.Repeat("x", n)
		chunks := Split(text, 1000, 990)
		require.Equal(t, text, strings.Join(chunks, ""), "n=%d", n)
		for _, c := range chunks {
			require.LessOrEqual(t, len(c), 990)
		}
	}
}

func TestSplit_CountsCharactersNotBytes(t *testing.T) {
	text := strings.Repeat("ї", 1500)
	chunks := Split(text, 1000, 990)
	require.Len(t, chunks, 2)
	require.Equal(t, 990, utf8.RuneCountInString(chunks[0]))
	require.True(t, utf8.ValidString(chunks[0]))
	require.Equal(t, text, chunks[0]+chunks[1])
}

func TestSend_ChunksInOrder(t *testing.T) {
	s := &fakeSender{}
	d, err := New(s, WithChunkDelay(time.Millisecond))
	require.NoError(t, err)
	text := strings.Repeat("a", 990) + strings.Repeat("b", 510)

	require.NoError(t, d.Send(context.Background(), "u1", text, "tok"))
	require.Len(t, s.sent, 2)
	require.Equal(t, strings.Repeat("a", 990), s.sent[0].text)
	require.Equal(t, strings.Repeat("b", 510), s.sent[1].text)
	require.Equal(t, "u1", s.sent[1].recipient)
	require.Equal(t, "tok", s.sent[0].token)
}

func TestSend_FailedChunkDoesNotAbortRest(t *testing.T) {
	s := &fakeSender{failOn: map[int]error{1: errors.New("graph 500")}}
	var outcomes []bool
	d, err := New(s, WithObserver(func(ok bool) { outcomes = append(outcomes, ok) }))
	require.NoError(t, err)

	err = d.Send(context.Background(), "u1", strings.Repeat("z", 2500), "tok")
	require.Error(t, err)
	require.Contains(t, err.Error(), "chunk 2/3")
	require.Contains(t, err.Error(), "graph 500")
	require.Len(t, s.sent, 3)
	require.Equal(t, []bool{true, false, true}, outcomes)
}

func TestSend_ContextCancelledBetweenChunks(t *testing.T) {
	s := &fakeSender{}
	d, err := New(s, WithChunkDelay(time.Hour))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = d.Send(ctx, "u1", strings.Repeat("z", 2500), "tok")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, s.sent, 1)
}

func TestWithLimits(t *testing.T) {
	d, err := New(&fakeSender{}, WithLimits(10, 4))
	require.NoError(t, err)
	require.Equal(t, 10, d.maxLen)

	d, err = New(&fakeSender{}, WithLimits(10, 20))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxLength, d.maxLen)
	require.Equal(t, DefaultChunkLength, d.chunkLen)
}

func TestNew_NilSender(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
