package bus

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stratosec/idposture/internal/metrics"
	"github.com/stratosec/idposture/internal/model"
)

//go:embed schema/sync_batch.json
var syncBatchSchema []byte

// NATSBus is the NATS-backed Bus. Inbound payloads are validated against the
// sync-batch JSON schema before they reach any consumer; malformed messages
// are counted, logged and dropped so one bad producer cannot stall the loop.
type NATSBus struct {
	nc      *nats.Conn
	queue   string
	schema  *jsonschema.Schema
	logger  *slog.Logger
	metrics *metrics.Metrics
	subs    []*nats.Subscription
}

// NewNATSBus wraps an established NATS connection. Subscribers join the given
// queue group so horizontally scaled replicas share the work.
func NewNATSBus(nc *nats.Conn, queue string, m *metrics.Metrics, logger *slog.Logger) (*NATSBus, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("sync_batch.json", bytes.NewReader(syncBatchSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("sync_batch.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &NATSBus{
		nc:      nc,
		queue:   queue,
		schema:  schema,
		logger:  logger,
		metrics: m,
	}, nil
}

// Subscribe registers a queue subscription for sync-batch notifications.
func (b *NATSBus) Subscribe(subject string, h BatchHandler) error {
	sub, err := b.nc.QueueSubscribe(subject, b.queue, func(msg *nats.Msg) {
		b.handleMessage(msg, h)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	b.logger.Info("Subscribed to sync batches", "subject", subject, "queue", b.queue)
	return nil
}

func (b *NATSBus) handleMessage(msg *nats.Msg, h BatchHandler) {
	if b.metrics != nil {
		b.metrics.BatchesReceived.Inc()
	}

	batch, err := b.decodeBatch(msg.Data)
	if err != nil {
		b.logger.Error("Dropping invalid sync batch", "subject", msg.Subject, "error", err)
		if b.metrics != nil {
			b.metrics.BatchesInvalid.Inc()
		}
		return
	}

	h(context.Background(), batch)
}

// decodeBatch validates the payload against the schema and unmarshals it.
func (b *NATSBus) decodeBatch(data []byte) (model.SyncBatch, error) {
	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return model.SyncBatch{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := b.schema.Validate(payload); err != nil {
		return model.SyncBatch{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var batch model.SyncBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return model.SyncBatch{}, fmt.Errorf("failed to unmarshal sync batch: %w", err)
	}
	return batch, nil
}

// Publish emits a downstream stage event.
func (b *NATSBus) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains all subscriptions so in-flight messages finish before shutdown.
func (b *NATSBus) Close() {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Error("Failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
}
