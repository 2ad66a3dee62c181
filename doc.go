// Package protogate is an edge gateway that fronts a set of broker-connected
// backend services. Browsers and mobile clients talk plain HTTP, Server-Sent
// Events and WebSockets to the gateway; the gateway talks request/reply RPC and
// CloudEvents to the backends over Watermill (Kafka, RabbitMQ, AWS SNS/SQS,
// NATS, HTTP, or Go Channels).
//
// The gateway binary lives in cmd/protogate and is assembled with fx from
// internal/app. This package exposes the pieces a backend service needs to
// speak the same protocol: build a Transport from Config, answer RPC requests
// with a Responder, and publish user-targeted CloudEvents that the gateway
// routes to live client connections.
//
// # RPC
//
// A request is a JSON envelope carrying a correlation id and a replyTo topic.
// Responder.Serve subscribes a request topic and publishes each handler result
// on the caller's reply topic. Handlers signal a rejection by returning an
// *UpstreamError; the gateway surfaces it to the client as a 502.
//
// # Events
//
// Backends publish CloudEvents with the userid extension set (see ForUser) on
// one of the topics listed in PROTOGATE_EVENT_TOPICS. The gateway delivers
// each event to the user's SSE stream and WebSocket sessions.
package protogate
