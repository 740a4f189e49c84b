// Package replay consumes captured mutation events from a broker and applies them to an index.
package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/indexsync/cfg"
)

// Record is one broker message handed to the replay worker
type Record struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

// Consumer reads records from the capture topic with manually committed offsets.
// A Consumer is used by a single goroutine.
type Consumer interface {
	// Poll returns at most max records, waiting until ctx is done if none are available.
	// Expiry of ctx is not an error: the records gathered so far are returned.
	Poll(ctx context.Context, max int) ([]Record, error)
	// Commit marks every record returned by earlier polls as consumed
	Commit(ctx context.Context) error
	// Rewind drops uncommitted progress so the next Poll redelivers from the last commit
	Rewind(ctx context.Context) error
	Close() error
}

// ConsumerFactory creates a Consumer from the capture configuration
type ConsumerFactory func(config cfg.CaptureConfiguration) (Consumer, error)

var (
	consumerFactories = make(map[string]ConsumerFactory)
	factoryMu         sync.RWMutex
)

// RegisterConsumer registers a consumer factory for a broker name
func RegisterConsumer(broker string, factory ConsumerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	consumerFactories[broker] = factory
}

// NewConsumer creates the consumer for config.Broker
func NewConsumer(config cfg.CaptureConfiguration) (Consumer, error) {
	factoryMu.RLock()
	factory, exists := consumerFactories[config.Broker]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown broker type: %s", config.Broker)
	}
	return factory(config)
}
