// Package aggregate stitches the replies of independent backend calls into one
// response: an entity with its stock, or a page of entities with their stock
// looked up in a single batch call.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
	"github.com/drblury/protogate/internal/runtime/logging"
	"github.com/drblury/protogate/internal/runtime/metrics"
)

// Backend topics used by the aggregator.
const (
	TopicFindOne    = "entity.findOne"
	TopicFindAll    = "entity.findAll"
	TopicStockGet   = "stock.get"
	TopicStockBatch = "stock.getBatch"
)

// Stock statuses written into merged entities.
const (
	StatusInStock    = "IN_STOCK"
	StatusOutOfStock = "OUT_OF_STOCK"
)

// Merged field names.
const (
	FieldStock         = "stock"
	FieldReservedStock = "reservedStock"
	FieldStockStatus   = "stockStatus"
)

// Entity is a backend entity as decoded from its JSON reply.
type Entity map[string]any

// ID returns the entity's "id" field as a string.
func (e Entity) ID() string {
	return stringField(e, "id")
}

// Page is a list reply: its items plus whatever paging fields the backend sent.
type Page struct {
	Items []Entity
	Meta  map[string]any
}

// MarshalJSON flattens the paging fields next to "items".
func (p Page) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Meta)+1)
	for k, v := range p.Meta {
		out[k] = v
	}
	items := p.Items
	if items == nil {
		items = []Entity{}
	}
	out["items"] = items
	return jsoncodec.Marshal(out)
}

// Options configures an Aggregator.
type Options struct {
	Caller  rpc.Caller
	Logger  logging.ServiceLogger
	Timeout time.Duration
	// Registerer receives the degraded-merge counter; nil skips registration.
	Registerer prometheus.Registerer
}

// Aggregator merges entity and stock replies.
type Aggregator struct {
	caller   rpc.Caller
	log      logging.ServiceLogger
	timeout  time.Duration
	degraded *prometheus.CounterVec
}

// New builds an Aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Caller == nil {
		return nil, errors.ErrCallerRequired
	}
	degraded := metrics.CounterVec("aggregate", "degraded_merges_total", "Merges that fell back to stock sentinels after a dependent failure", "site")
	if err := metrics.Register(opts.Registerer, degraded); err != nil {
		return nil, err
	}
	return &Aggregator{
		caller:   opts.Caller,
		log:      logging.OrNop(opts.Logger).With(logging.LogFields{"component": "aggregate"}),
		timeout:  opts.Timeout,
		degraded: degraded,
	}, nil
}

// MergeOne fetches an entity and merges its stock into it.
//
// An absent entity fails with ErrNotFound and the stock call is never issued.
// The stock lookup is required here: its failure fails the whole merge.
// An absent stock record merges sentinel defaults.
func (a *Aggregator) MergeOne(ctx context.Context, id string) (Entity, error) {
	entity, err := a.callEntity(ctx, TopicFindOne, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(entity) == 0 {
		return nil, fmt.Errorf("%w: entity %s", errors.ErrNotFound, id)
	}

	stock, err := a.callEntity(ctx, TopicStockGet, map[string]any{"productId": id})
	if err != nil {
		return nil, fmt.Errorf("aggregate: stock for %s: %w", id, err)
	}
	return mergeStock(entity, stock), nil
}

// MergeBatch fetches a page of entities and merges the stock of all of them
// from exactly one batch call. Ids missing from the batch reply get sentinel
// defaults.
//
// A failing batch call does not fail the page: every item gets sentinel
// defaults and the failure is logged.
func (a *Aggregator) MergeBatch(ctx context.Context, query map[string]any) (Page, error) {
	if query == nil {
		query = map[string]any{}
	}
	reply, err := a.call(ctx, TopicFindAll, query)
	if err != nil {
		return Page{}, err
	}
	page, err := decodePage(reply)
	if err != nil {
		return Page{}, fmt.Errorf("aggregate: decode %s reply: %w", TopicFindAll, err)
	}
	if len(page.Items) == 0 {
		return page, nil
	}

	ids := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		if id := item.ID(); id != "" {
			ids = append(ids, id)
		}
	}

	lookup, err := a.stockBatch(ctx, ids)
	if err != nil {
		a.degraded.WithLabelValues("batch").Inc()
		a.log.Error("Stock batch lookup failed; merging defaults", err, logging.LogFields{
			"topic": TopicStockBatch,
			"items": len(page.Items),
		})
		lookup = nil
	}

	for i, item := range page.Items {
		page.Items[i] = mergeStock(item, lookup[item.ID()])
	}
	return page, nil
}

func (a *Aggregator) stockBatch(ctx context.Context, ids []string) (map[string]Entity, error) {
	reply, err := a.call(ctx, TopicStockBatch, map[string]any{"productIds": ids})
	if err != nil {
		return nil, err
	}
	records, err := decodeList(reply)
	if err != nil {
		return nil, fmt.Errorf("aggregate: decode %s reply: %w", TopicStockBatch, err)
	}
	lookup := make(map[string]Entity, len(records))
	for _, rec := range records {
		if id := stringField(rec, "productId"); id != "" {
			lookup[id] = rec
		}
	}
	return lookup, nil
}

func (a *Aggregator) callEntity(ctx context.Context, topic string, req map[string]any) (Entity, error) {
	reply, err := a.call(ctx, topic, req)
	if err != nil {
		return nil, err
	}
	if jsoncodec.IsAbsent(reply) {
		return nil, nil
	}
	var entity Entity
	if err := jsoncodec.Unmarshal(reply, &entity); err != nil {
		return nil, fmt.Errorf("aggregate: decode %s reply: %w", topic, err)
	}
	return entity, nil
}

// mergeStock copies stock fields from stock into entity. A nil stock record
// yields the sentinels: zero stock, zero reserved, OUT_OF_STOCK.
func mergeStock(entity, stock Entity) Entity {
	merged := make(Entity, len(entity)+3)
	for k, v := range entity {
		merged[k] = v
	}
	total := numberField(stock, FieldStock)
	reserved := numberField(stock, FieldReservedStock)
	merged[FieldStock] = total
	merged[FieldReservedStock] = reserved
	if total-reserved > 0 {
		merged[FieldStockStatus] = StatusInStock
	} else {
		merged[FieldStockStatus] = StatusOutOfStock
	}
	return merged
}

func decodePage(reply []byte) (Page, error) {
	if jsoncodec.IsAbsent(reply) {
		return Page{}, nil
	}
	var raw any
	if err := jsoncodec.Unmarshal(reply, &raw); err != nil {
		return Page{}, err
	}
	switch v := raw.(type) {
	case []any:
		return Page{Items: toEntities(v)}, nil
	case map[string]any:
		items, _ := v["items"].([]any)
		delete(v, "items")
		return Page{Items: toEntities(items), Meta: v}, nil
	default:
		return Page{}, fmt.Errorf("unexpected list reply of type %T", raw)
	}
}

func decodeList(reply []byte) ([]Entity, error) {
	page, err := decodePage(reply)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func toEntities(items []any) []Entity {
	out := make([]Entity, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, Entity(obj))
		}
	}
	return out
}

func stringField(e Entity, key string) string {
	switch v := e[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func numberField(e Entity, key string) int64 {
	switch v := e[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (a *Aggregator) call(ctx context.Context, topic string, req any) ([]byte, error) {
	payload, err := jsoncodec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("aggregate: encode %s request: %w", topic, err)
	}
	return a.caller.Call(ctx, topic, payload, a.timeout)
}
