package moderation

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Image fetch limits.
const (
	DefaultMaxImageBytes = 8 << 20
	DefaultFetchTimeout  = 10 * time.Second
)

// ImageNormalizer turns any supported image reference into inline base64:
// a data URI, raw base64, or an http(s) URL that is fetched.
type ImageNormalizer struct {
	client   *http.Client
	maxBytes int64
}

// NewImageNormalizer returns a normalizer. Zero limits take the defaults.
func NewImageNormalizer(client *http.Client, maxBytes int64) *ImageNormalizer {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &ImageNormalizer{client: client, maxBytes: maxBytes}
}

// Normalize resolves ref to inline media.
func (n *ImageNormalizer) Normalize(ctx context.Context, ref string) (InlineMedia, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return InlineMedia{}, fmt.Errorf("moderation: empty image reference")
	case strings.HasPrefix(ref, "data:"):
		return parseDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return n.fetch(ctx, ref)
	default:
		return parseRawBase64(ref)
	}
}

func parseDataURI(ref string) (InlineMedia, error) {
	header, data, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return InlineMedia{}, fmt.Errorf("moderation: malformed data URI")
	}
	mimeType, params, _ := strings.Cut(header, ";")
	if !strings.Contains(params, "base64") {
		return InlineMedia{}, fmt.Errorf("moderation: data URI is not base64 encoded")
	}
	if mimeType == "" {
		return parseRawBase64(data)
	}
	return InlineMedia{MimeType: mimeType, Data: data}, nil
}

func parseRawBase64(data string) (InlineMedia, error) {
	data = strings.Join(strings.Fields(data), "")
	raw, err := decodeBase64(data)
	if err != nil {
		return InlineMedia{}, fmt.Errorf("moderation: image is neither a URL nor base64: %w", err)
	}
	mimeType := http.DetectContentType(raw)
	if !strings.HasPrefix(mimeType, "image/") {
		return InlineMedia{}, fmt.Errorf("moderation: base64 payload is %s, not an image", mimeType)
	}
	return InlineMedia{MimeType: mimeType, Data: data}, nil
}

func decodeBase64(data string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(data)
}

func (n *ImageNormalizer) fetch(ctx context.Context, url string) (InlineMedia, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return InlineMedia{}, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return InlineMedia{}, fmt.Errorf("moderation: fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return InlineMedia{}, fmt.Errorf("moderation: fetch image: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBytes+1))
	if err != nil {
		return InlineMedia{}, fmt.Errorf("moderation: read image: %w", err)
	}
	if int64(len(raw)) > n.maxBytes {
		return InlineMedia{}, fmt.Errorf("moderation: image exceeds %d bytes", n.maxBytes)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(raw)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return InlineMedia{}, fmt.Errorf("moderation: %s is %s, not an image", url, mimeType)
	}
	return InlineMedia{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(raw)}, nil
}
