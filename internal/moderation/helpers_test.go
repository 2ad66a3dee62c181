package moderation

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/runtime/logging"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func pngBase64() string { return base64.StdEncoding.EncodeToString(pngBytes) }

func pngDataURI() string { return "data:image/png;base64," + pngBase64() }

type completion struct {
	Prompt string
	Media  []InlineMedia
}

// scriptedCompleter answers with respond and records every call.
type scriptedCompleter struct {
	mu      sync.Mutex
	calls   []completion
	respond func(n int, prompt string, media []InlineMedia) (string, error)
}

func reply(text string) *scriptedCompleter {
	return &scriptedCompleter{respond: func(int, string, []InlineMedia) (string, error) { return text, nil }}
}

func (s *scriptedCompleter) Complete(_ context.Context, prompt string, media []InlineMedia) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, completion{Prompt: prompt, Media: media})
	n := len(s.calls)
	s.mu.Unlock()
	return s.respond(n, prompt, media)
}

func (s *scriptedCompleter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedCompleter) call(i int) completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// listingCaller serves entity.findAllBySellerId.
type listingCaller struct {
	mu       sync.Mutex
	body     string
	err      error
	payloads []string
}

func (c *listingCaller) Call(_ context.Context, topic string, payload []byte, _ time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, topic+" "+string(payload))
	if c.err != nil {
		return nil, c.err
	}
	return []byte(c.body), nil
}

func (c *listingCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

var sellerIdentity = identity.ResolverFunc(func(credential string) (string, bool) {
	if credential == "Bearer seller-token" {
		return "seller-1", true
	}
	return "", false
})

func newPipeline(t *testing.T, completer Completer, configure ...func(*Options)) (*Pipeline, *logging.Recorder) {
	t.Helper()
	rec := logging.NewRecorder()
	opts := Options{Completer: completer, Identity: sellerIdentity, Logger: rec}
	for _, fn := range configure {
		fn(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, rec
}
