package edge

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protogate/internal/aggregate"
	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/moderation"
	"github.com/drblury/protogate/internal/realtime"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
)

func init() { gin.SetMode(gin.TestMode) }

type call struct {
	topic   string
	payload map[string]any
}

// fakeCaller answers each topic with a scripted reply and records the calls.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]func(req map[string]any) (string, error)
}

func (f *fakeCaller) Call(_ context.Context, topic string, payload []byte, _ time.Duration) ([]byte, error) {
	var req map[string]any
	_ = jsoncodec.Unmarshal(payload, &req)
	f.mu.Lock()
	f.calls = append(f.calls, call{topic: topic, payload: req})
	reply, ok := f.replies[topic]
	f.mu.Unlock()
	if !ok {
		return []byte("null"), nil
	}
	out, err := reply(req)
	return []byte(out), err
}

func (f *fakeCaller) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.topic)
	}
	return out
}

func (f *fakeCaller) last(topic string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].topic == topic {
			return f.calls[i].payload, true
		}
	}
	return nil, false
}

func static(reply string) func(map[string]any) (string, error) {
	return func(map[string]any) (string, error) { return reply, nil }
}

// tokenIdentity resolves "Bearer token-<user>" to <user>.
var tokenIdentity = identity.ResolverFunc(func(credential string) (string, bool) {
	user, ok := strings.CutPrefix(identity.StripBearer(credential), "token-")
	return user, ok && user != ""
})

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n")
	goodImage = base64.StdEncoding.EncodeToString(append(append([]byte{}, pngHeader...), []byte("good photo bytes")...))
	badImage  = base64.StdEncoding.EncodeToString(append(append([]byte{}, pngHeader...), []byte("bad photo bytes!")...))
)

// moderator flags text containing "forbidden", the bad image, and answers
// similarity and query prompts with the given JSON.
func moderator(similarity, query string) moderation.CompleterFunc {
	return func(_ context.Context, prompt string, media []moderation.InlineMedia) (string, error) {
		switch {
		case strings.Contains(prompt, "maxSimilarity"):
			return similarity, nil
		case strings.Contains(prompt, "catalog search"):
			return query, nil
		case len(media) > 0 && media[0].Data == badImage:
			return "VIOLATION", nil
		case strings.Contains(prompt, "forbidden"):
			return "VIOLATION", nil
		default:
			return "SAFE", nil
		}
	}
}

type fixture struct {
	server   *Server
	caller   *fakeCaller
	realtime *realtime.Router
	reg      *prometheus.Registry
	log      *logging.Recorder
}

func newFixture(t *testing.T, completer moderation.Completer, mutate func(*Options)) *fixture {
	t.Helper()
	caller := &fakeCaller{replies: map[string]func(map[string]any) (string, error){}}
	reg := prometheus.NewRegistry()
	log := logging.NewRecorder()

	agg, err := aggregate.New(aggregate.Options{Caller: caller, Registerer: reg})
	require.NoError(t, err)
	pipeline, err := moderation.New(moderation.Options{
		Completer:  completer,
		Caller:     caller,
		Identity:   tokenIdentity,
		Registerer: reg,
	})
	require.NoError(t, err)
	rt, err := realtime.New(realtime.Options{Identity: tokenIdentity, Registerer: reg})
	require.NoError(t, err)

	opts := Options{
		Caller:     caller,
		Aggregator: agg,
		Moderation: pipeline,
		Realtime:   rt,
		Identity:   tokenIdentity,
		Logger:     log,
		Registerer: reg,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	return &fixture{server: srv, caller: caller, realtime: rt, reg: reg, log: log}
}

func (f *fixture) do(method, path, credential, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, jsoncodec.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, errors.ErrCallerRequired)

	_, err = New(Options{Caller: &fakeCaller{}})
	assert.Error(t, err)
}

func TestRoutesMounted(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	assert.ElementsMatch(t, []string{
		"GET /health",
		"GET /events/stream",
		"GET /ws",
		"GET /products",
		"GET /products/:id",
		"POST /products",
		"POST /search/image",
	}, f.server.Routes())

	bare := newFixture(t, moderator("", ""), func(o *Options) {
		o.Moderation = nil
		o.Realtime = nil
	})
	assert.ElementsMatch(t, []string{"GET /health", "GET /products", "GET /products/:id"}, bare.server.Routes())
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)

	w := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)

	w := f.do(http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "route not found", decodeBody(t, w)["reason"])

	w = f.do(http.MethodDelete, "/products", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGetProductMergesStock(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.caller.replies[aggregate.TopicFindOne] = static(`{"id":"p1","name":"Lamp"}`)
	f.caller.replies[aggregate.TopicStockGet] = static(`{"productId":"p1","stock":4,"reservedStock":1}`)

	w := f.do(http.MethodGet, "/products/p1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Lamp", body["name"])
	assert.EqualValues(t, 4, body[aggregate.FieldStock])
	assert.Equal(t, aggregate.StatusInStock, body[aggregate.FieldStockStatus])
}

func TestGetProductNotFound(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)

	w := f.do(http.MethodGet, "/products/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", decodeBody(t, w)["reason"])
	assert.Equal(t, []string{aggregate.TopicFindOne}, f.caller.topics(), "stock is never fetched for an absent entity")
}

func TestGetProductUpstreamFailures(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.caller.replies[aggregate.TopicFindOne] = func(map[string]any) (string, error) {
		return "", &errors.UpstreamError{Topic: aggregate.TopicFindOne, Reason: "catalog offline"}
	}

	w := f.do(http.MethodGet, "/products/p1", "", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "catalog offline", decodeBody(t, w)["reason"])
	assert.NotContains(t, w.Body.String(), aggregate.TopicFindOne, "broker topics stay internal")

	f.caller.replies[aggregate.TopicFindOne] = func(map[string]any) (string, error) { return "", errors.ErrTimeout }
	w = f.do(http.MethodGet, "/products/p1", "", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestListProductsForwardsQuery(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.caller.replies[aggregate.TopicFindAll] = static(`{"items":[{"id":"a"},{"id":"b"}],"total":2,"page":1}`)
	f.caller.replies[aggregate.TopicStockBatch] = static(`[{"productId":"a","stock":3}]`)

	w := f.do(http.MethodGet, "/products?page=1&limit=2&category=lamps", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.EqualValues(t, 2, body["total"])
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, aggregate.StatusInStock, items[0].(map[string]any)[aggregate.FieldStockStatus])
	assert.Equal(t, aggregate.StatusOutOfStock, items[1].(map[string]any)[aggregate.FieldStockStatus])

	query, ok := f.caller.last(aggregate.TopicFindAll)
	require.True(t, ok)
	assert.EqualValues(t, 2, query["limit"])
	assert.Equal(t, "lamps", query["category"])
}

func TestListProductsRejectsBadPaging(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	w := f.do(http.MethodGet, "/products?page=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.caller.topics())
}

func TestCreateProductRequiresUser(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)

	w := f.do(http.MethodPost, "/products", "", `{"name":"Lamp"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/products", "Bearer garbage", `{"name":"Lamp"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.caller.topics())
}

func TestCreateProductValidatesBody(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)

	w := f.do(http.MethodPost, "/products", "Bearer token-u1", `{"description":"no name"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/products", "Bearer token-u1", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateProductForwardsAcceptedListing(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.caller.replies[moderation.TopicListingsBySeller] = static(`[]`)
	f.caller.replies[TopicCreate] = func(req map[string]any) (string, error) {
		return `{"id":"p-new","name":"` + req["name"].(string) + `"}`, nil
	}

	w := f.do(http.MethodPost, "/products", "Bearer token-u1",
		`{"name":"Brass desk lamp","description":"Warm light, barely used","price":25,"images":["`+goodImage+`"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "p-new", decodeBody(t, w)["id"])

	created, ok := f.caller.last(TopicCreate)
	require.True(t, ok)
	assert.Equal(t, "u1", created["sellerId"])
	assert.EqualValues(t, 25, created["price"], "unknown fields are forwarded")

	_, logged := f.log.Find("Product created")
	assert.True(t, logged)
}

func TestCreateProductRejectsViolations(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)

	w := f.do(http.MethodPost, "/products", "Bearer token-u1", `{"name":"forbidden goods for sale"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "content rejected", decodeBody(t, w)["reason"])

	w = f.do(http.MethodPost, "/products", "Bearer token-u1",
		`{"name":"Desk lamp","images":["`+goodImage+`","`+badImage+`"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "image rejected", body["reason"])
	assert.EqualValues(t, 1, body["details"].(map[string]any)["index"])

	_, created := f.caller.last(TopicCreate)
	assert.False(t, created)
}

func TestCreateProductAllowsWhenModerationUnavailable(t *testing.T) {
	down := moderation.CompleterFunc(func(context.Context, string, []moderation.InlineMedia) (string, error) {
		return "", errors.ErrConnectionLost
	})
	f := newFixture(t, down, nil)
	f.caller.replies[TopicCreate] = static(`{"id":"p-2"}`)

	w := f.do(http.MethodPost, "/products", "Bearer token-u1", `{"name":"Walnut bookshelf"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateProductRejectsDuplicates(t *testing.T) {
	f := newFixture(t, moderator(`{"maxSimilarity": 91, "matchedId": "p-old"}`, ""), nil)
	f.caller.replies[moderation.TopicListingsBySeller] = static(`[{"id":"p-old","name":"Brass desk lamp","description":"Warm light, barely used, great condition"}]`)

	w := f.do(http.MethodPost, "/products", "Bearer token-u1",
		`{"name":"Brass desk lamp","description":"Warm light, barely used, great condition"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "duplicate listing detected", body["reason"])
	assert.Equal(t, "p-old", body["details"].(map[string]any)["matchedId"])

	lookup, ok := f.caller.last(moderation.TopicListingsBySeller)
	require.True(t, ok)
	assert.Equal(t, "u1", lookup["sellerId"])
}

func TestSearchByImage(t *testing.T) {
	f := newFixture(t, moderator("", `{"query":"brass lamp","keywords":["lamp","brass"]}`), nil)
	f.caller.replies[TopicSearch] = static(`[{"id":"p1"}]`)

	w := f.do(http.MethodPost, "/search/image", "", `{"image":"`+goodImage+`","limit":5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "brass lamp", body["query"])
	assert.Len(t, body["results"], 1)

	search, ok := f.caller.last(TopicSearch)
	require.True(t, ok)
	assert.Equal(t, "brass lamp", search["query"])
	assert.EqualValues(t, 5, search["limit"])
}

func TestSearchByImageEmptyResults(t *testing.T) {
	f := newFixture(t, moderator("", `{"query":"chair","keywords":[]}`), nil)

	w := f.do(http.MethodPost, "/search/image", "", `{"image":"`+goodImage+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decodeBody(t, w)["results"])
}

func TestSearchByImageFailures(t *testing.T) {
	f := newFixture(t, moderator("", "no json here"), nil)

	w := f.do(http.MethodPost, "/search/image", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/search/image", "", `{"image":"`+goodImage+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	_, searched := f.caller.last(TopicSearch)
	assert.False(t, searched)
}

func TestRateLimitPerUser(t *testing.T) {
	f := newFixture(t, moderator("", ""), func(o *Options) {
		o.RateRPS = 0.001
		o.RateBurst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "Bearer token-u1", "").Code)
	}
	w := f.do(http.MethodGet, "/health", "Bearer token-u1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "Bearer token-u2", "").Code, "buckets are per user")
}

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	f := newFixture(t, moderator("", ""), func(o *Options) { o.AllowedOrigins = []string{"https://shop.example"} })

	req := httptest.NewRequest(http.MethodOptions, "/products", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGzipOnAPIRoutes(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.caller.replies[aggregate.TopicFindAll] = static(`{"items":[]}`)

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestHTTPMetricsRecorded(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.do(http.MethodGet, "/health", "", "")
	f.do(http.MethodGet, "/nope", "", "")

	count, err := testutil.GatherAndCount(f.reg, "protogate_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecoveryReturnsInternalError(t *testing.T) {
	f := newFixture(t, moderator("", ""), nil)
	f.server.engine.GET("/panic", func(*gin.Context) { panic("boom") })

	w := f.do(http.MethodGet, "/panic", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decodeBody(t, w)["reason"])
	_, logged := f.log.Find("Handler panicked")
	assert.True(t, logged)
}
