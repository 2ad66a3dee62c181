package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/jsoncodec"
)

// CallJSON encodes req as JSON, calls topic and decodes the reply into Resp.
// An absent reply (empty, null or {}) fails with ErrNotFound.
func CallJSON[Resp any](ctx context.Context, c Caller, topic string, req any, timeout time.Duration) (Resp, error) {
	var resp Resp
	body, err := jsoncodec.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("rpc: encode %s request: %w", topic, err)
	}
	reply, err := c.Call(ctx, topic, body, timeout)
	if err != nil {
		return resp, err
	}
	if jsoncodec.IsAbsent(reply) {
		return resp, fmt.Errorf("%w: %s", errors.ErrNotFound, topic)
	}
	if err := jsoncodec.Unmarshal(reply, &resp); err != nil {
		return resp, fmt.Errorf("rpc: decode %s reply: %w", topic, err)
	}
	return resp, nil
}

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// CallProto calls topic with req in protojson form and decodes the reply into resp.
func CallProto(ctx context.Context, c Caller, topic string, req, resp proto.Message, timeout time.Duration) error {
	body, err := protojson.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: encode %s request: %w", topic, err)
	}
	reply, err := c.Call(ctx, topic, body, timeout)
	if err != nil {
		return err
	}
	if jsoncodec.IsAbsent(reply) {
		return fmt.Errorf("%w: %s", errors.ErrNotFound, topic)
	}
	if err := protoUnmarshal.Unmarshal(reply, resp); err != nil {
		return fmt.Errorf("rpc: decode %s reply: %w", topic, err)
	}
	return nil
}
