package moderation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/transport/channel"
)

func TestCompletionText(t *testing.T) {
	assert.Equal(t, "SAFE", completionText([]byte(`"SAFE"`)))
	assert.Equal(t, "VIOLATION", completionText([]byte(`{"text":"VIOLATION"}`)))
	assert.Equal(t, `{"maxSimilarity":3}`, completionText([]byte(` {"maxSimilarity":3} `)))
	assert.Equal(t, "plain words", completionText([]byte("plain words")))
	assert.Equal(t, "", completionText(nil))
}

func TestBrokerCompleterOverBroker(t *testing.T) {
	tr := channel.New(nil)
	defer tr.Close()
	client, err := rpc.New(rpc.Options{Publisher: tr.Publisher, Subscriber: tr.Subscriber, Timeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	backend, err := rpc.NewResponder(tr.Publisher, tr.Subscriber, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, backend.Serve(ctx, DefaultCompletionTopic, func(_ context.Context, payload []byte) ([]byte, error) {
		var req completionRequest
		if err := jsoncodec.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if len(req.Media) == 1 && req.Media[0].MimeType == "image/png" {
			return []byte(`{"text":"VIOLATION"}`), nil
		}
		return []byte(`"SAFE"`), nil
	}))

	completer, err := NewBrokerCompleter(client, "", 0)
	require.NoError(t, err)
	p, _ := newPipeline(t, completer)

	assert.True(t, p.ValidateContent(context.Background(), "a perfectly fine sentence", "review"))
	assert.False(t, p.ValidateImage(context.Background(), pngDataURI(), "photo"))
}

func TestBrokerCompleterRequiresCaller(t *testing.T) {
	_, err := NewBrokerCompleter(nil, "", 0)
	assert.ErrorIs(t, err, errors.ErrCallerRequired)
}

func TestHTTPCompleter(t *testing.T) {
	var got generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("x-goog-api-key"))
		assert.NoError(t, jsoncodec.Decode(r.Body, &got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"SA"},{"text":"FE"}]}}]}`))
	}))
	defer server.Close()

	h := NewHTTPCompleter(server.Client(), server.URL+"/v1beta/", "gemini-2.0-flash", "key-1")
	text, err := h.Complete(context.Background(), "classify", []InlineMedia{{MimeType: "image/png", Data: "AAAA"}})

	require.NoError(t, err)
	assert.Equal(t, "SAFE", text)
	require.Len(t, got.Contents, 1)
	parts := got.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "classify", parts[0].Text)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
}

func TestHTTPCompleterErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewHTTPCompleter(nil, server.URL, "m", "").Complete(context.Background(), "p", nil)
	assert.ErrorContains(t, err, "429")
	assert.ErrorContains(t, err, "quota exhausted")
}
