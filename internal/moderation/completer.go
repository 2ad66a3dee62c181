package moderation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
)

// InlineMedia is an image carried inline as base64.
type InlineMedia struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Completer is the moderation backend: one text-in, text-out completion,
// optionally with inline images.
type Completer interface {
	Complete(ctx context.Context, prompt string, media []InlineMedia) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string, media []InlineMedia) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string, media []InlineMedia) (string, error) {
	return f(ctx, prompt, media)
}

// DefaultCompletionTopic is the broker topic of the AI completion service.
const DefaultCompletionTopic = "ai.complete"

// BrokerCompleter completes prompts through a backend reachable over the broker.
type BrokerCompleter struct {
	caller  rpc.Caller
	topic   string
	timeout time.Duration
}

// NewBrokerCompleter returns a completer calling topic (DefaultCompletionTopic when empty).
func NewBrokerCompleter(caller rpc.Caller, topic string, timeout time.Duration) (*BrokerCompleter, error) {
	if caller == nil {
		return nil, errors.ErrCallerRequired
	}
	if topic == "" {
		topic = DefaultCompletionTopic
	}
	return &BrokerCompleter{caller: caller, topic: topic, timeout: timeout}, nil
}

type completionRequest struct {
	Prompt string        `json:"prompt"`
	Media  []InlineMedia `json:"media,omitempty"`
}

// Complete sends the prompt and returns the backend's text. The reply may be a
// JSON string, an object with a "text" field, or bare text.
func (b *BrokerCompleter) Complete(ctx context.Context, prompt string, media []InlineMedia) (string, error) {
	body, err := jsoncodec.Marshal(completionRequest{Prompt: prompt, Media: media})
	if err != nil {
		return "", err
	}
	reply, err := b.caller.Call(ctx, b.topic, body, b.timeout)
	if err != nil {
		return "", err
	}
	return completionText(reply), nil
}

func completionText(reply []byte) string {
	trimmed := bytes.TrimSpace(reply)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if jsoncodec.Unmarshal(trimmed, &s) == nil {
			return s
		}
	case '{':
		var obj struct {
			Text string `json:"text"`
		}
		if jsoncodec.Unmarshal(trimmed, &obj) == nil && obj.Text != "" {
			return obj.Text
		}
	}
	return string(trimmed)
}

// HTTPCompleter calls a generateContent style model endpoint directly.
type HTTPCompleter struct {
	client   *http.Client
	endpoint string
	model    string
	apiKey   string
}

// NewHTTPCompleter returns a completer for endpoint, e.g.
// https://generativelanguage.googleapis.com/v1beta.
func NewHTTPCompleter(client *http.Client, endpoint, model, apiKey string) *HTTPCompleter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCompleter{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		apiKey:   apiKey,
	}
}

type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
}

func (h *HTTPCompleter) Complete(ctx context.Context, prompt string, media []InlineMedia) (string, error) {
	parts := make([]generatePart, 0, len(media)+1)
	parts = append(parts, generatePart{Text: prompt})
	for _, m := range media {
		parts = append(parts, generatePart{InlineData: &inlineData{MimeType: m.MimeType, Data: m.Data}})
	}
	body, err := jsoncodec.Marshal(generateRequest{Contents: []generateContent{{Parts: parts}}})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", h.endpoint, h.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("x-goog-api-key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("moderation: model endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded generateResponse
	if err := jsoncodec.Decode(resp.Body, &decoded); err != nil {
		return "", fmt.Errorf("moderation: decode model response: %w", err)
	}
	var text strings.Builder
	for _, c := range decoded.Candidates {
		for _, p := range c.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	return text.String(), nil
}
