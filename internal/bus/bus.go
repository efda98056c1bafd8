// Package bus abstracts the at-least-once pub/sub channel the pipeline is
// triggered by. The pipeline never retries deliveries itself; redelivery is
// the transport's responsibility.
package bus

import (
	"context"

	"github.com/stratosec/idposture/internal/model"
)

// BatchHandler consumes one inbound sync batch.
type BatchHandler func(ctx context.Context, batch model.SyncBatch)

// Bus is the transport contract: subscribe to sync-batch notifications and
// publish downstream stage events.
type Bus interface {
	Subscribe(subject string, h BatchHandler) error
	Publish(subject string, v interface{}) error
	Close()
}
