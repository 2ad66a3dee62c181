package protogate

import (
	"context"
	"errors"
	"testing"
	"time"
)

type product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type productQuery struct {
	ID string `json:"id"`
}

func newChannelTransport(t *testing.T) Transport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PubSubSystem = "channel"
	tr, err := BuildTransport(context.Background(), &cfg, nil)
	if err != nil {
		t.Fatalf("build transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestServeJSONAnswersCallJSON(t *testing.T) {
	tr := newChannelTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responder, err := NewResponder(tr.Publisher, tr.Subscriber, nil)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	err = ServeJSON(ctx, responder, "product.get", func(_ context.Context, q productQuery) (*product, error) {
		switch q.ID {
		case "p1":
			return &product{ID: "p1", Name: "Lamp"}, nil
		case "bad":
			return nil, &UpstreamError{Reason: "forbidden"}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	client, err := NewRPCClient(RPCOptions{Publisher: tr.Publisher, Subscriber: tr.Subscriber})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	got, err := CallJSON[product](ctx, client, "product.get", productQuery{ID: "p1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.Name != "Lamp" {
		t.Fatalf("expected Lamp, got %#v", got)
	}

	if _, err := CallJSON[product](ctx, client, "product.get", productQuery{ID: "nope"}, 2*time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = CallJSON[product](ctx, client, "product.get", productQuery{ID: "bad"}, 2*time.Second)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Reason != "forbidden" {
		t.Fatalf("expected upstream rejection, got %v", err)
	}
}

func TestServeJSONRequiresHandler(t *testing.T) {
	tr := newChannelTransport(t)
	responder, err := NewResponder(tr.Publisher, tr.Subscriber, nil)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := ServeJSON[productQuery, product](context.Background(), responder, "product.get", nil); err == nil {
		t.Fatal("expected an error for a nil handler")
	}
}

func TestNewUserEventMessage(t *testing.T) {
	msg, err := NewUserEventMessage("u1", NewEvent("order.status_changed", "orders", map[string]any{"status": "shipped"}))
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	evt, err := DecodeEvent(msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if TargetUser(evt) != "u1" {
		t.Fatalf("expected event for u1, got %q", TargetUser(evt))
	}
}

func TestCapabilitiesExport(t *testing.T) {
	if !GetCapabilities("nats").SupportsConnectionEvents {
		t.Fatal("expected nats to report connection events")
	}
}
