// Package notify fans operational messages out to sinks. Delivery is best
// effort: a sink failure is logged and never propagates into the caller's
// transaction.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind labels a notification for routing on the consumer side.
type Kind string

const (
	KindIncident   Kind = "incident"
	KindStopRule   Kind = "stop_rule"
	KindDecision   Kind = "decision"
	KindJobFailure Kind = "job_failure"
	KindReport     Kind = "report"
)

// Message is one notification.
type Message struct {
	Kind     Kind              `json:"kind"`
	TenantID string            `json:"tenant_id"`
	RunID    string            `json:"run_id,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink delivers messages somewhere.
type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// Notifier fans one message out to all sinks.
type Notifier struct {
	sinks []Sink
	log   *slog.Logger
}

func New(log *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks, log: log}
}

// Send delivers to every sink; failures are logged, not returned.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	for _, s := range n.sinks {
		if err := s.Notify(ctx, msg); err != nil {
			n.log.Warn("notification sink failed",
				"kind", string(msg.Kind), "tenant_id", msg.TenantID, "error", err)
		}
	}
}

// LogSink writes notifications into the structured log. Always configured; it
// doubles as the audit trail for operators without a channel integration.
type LogSink struct{ Log *slog.Logger }

func (s LogSink) Notify(_ context.Context, msg Message) error {
	s.Log.Info("notification",
		"kind", string(msg.Kind), "tenant_id", msg.TenantID,
		"run_id", msg.RunID, "title", msg.Title)
	return nil
}

// RedisSink publishes messages on a channel for external consumers.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "notifications"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}
