// Package pubsub announces finished runs on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Attribute keys set on every message next to the trace context.
const (
	AttrRunID     = "run_id"
	AttrOutcome   = "outcome"
	AttrPartition = "partition"
)

// Notifier implements harvest.Notifier.
type Notifier struct {
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
}

// New wraps topic. The global otel propagator injects trace context.
func New(topic *pubsub.Topic) *Notifier {
	return &Notifier{topic: topic, propagator: otel.GetTextMapPropagator()}
}

// WithPropagator overrides the trace context propagator.
func (n *Notifier) WithPropagator(p propagation.TextMapPropagator) *Notifier {
	n.propagator = p
	return n
}

// Notify publishes summary as JSON and waits for the server id.
func (n *Notifier) Notify(ctx context.Context, summary harvest.RunSummary) (string, error) {
	if n.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	attrs := map[string]string{
		AttrRunID:     summary.RunID,
		AttrOutcome:   summary.Outcome,
		AttrPartition: summary.Partition,
	}
	n.propagator.Inject(ctx, propagation.MapCarrier(attrs))

	id, err := n.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish run summary: %w", err)
	}
	return id, nil
}

// Close flushes pending publishes.
func (n *Notifier) Close() {
	if n.topic != nil {
		n.topic.Stop()
	}
}
