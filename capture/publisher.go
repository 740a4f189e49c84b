package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/telemetry"
)

// DefaultSendTimeout bounds the wait for a broker acknowledgment
const DefaultSendTimeout = 30 * time.Second

// Publisher delivers events to a broker. Implementations are safe for concurrent use.
type Publisher interface {
	// Send returns only after the broker acknowledged the event or the send timed out
	Send(ctx context.Context, event *MutationEvent) error
	// Flush blocks until every send previously submitted on this publisher is acknowledged
	Flush(ctx context.Context) error
	// Close releases broker resources, logging instead of returning close-time errors
	Close() error
}

// Message is an encoded event ready to hand to a broker client
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// EncodeMessage encodes event with codec and attaches the standard headers.
// Encoding failures are permanent.
func EncodeMessage(codec Codec, event *MutationEvent) (Message, error) {
	key := event.Key()
	value, err := codec.Encode(event)
	if err != nil {
		return Message{}, &PublishError{Key: key, Err: fmt.Errorf("failed to encode event: %w", err)}
	}

	return Message{
		Key:   key,
		Value: value,
		Headers: map[string]string{
			HeaderContentType: codec.ContentType(),
			HeaderEventID:     uuid.NewString(),
		},
	}, nil
}

// SendTimeout returns the configured acknowledgment timeout
func SendTimeout(c cfg.CaptureConfiguration) time.Duration {
	if c.Producer.SendTimeoutMS <= 0 {
		return DefaultSendTimeout
	}
	return time.Duration(c.Producer.SendTimeoutMS) * time.Millisecond
}

// PublisherFactory creates a Publisher from the capture configuration
type PublisherFactory func(config cfg.CaptureConfiguration) (Publisher, error)

var (
	publisherFactories = make(map[string]PublisherFactory)
	factoryMu          sync.RWMutex
)

// RegisterPublisher registers a publisher factory for a broker name
func RegisterPublisher(broker string, factory PublisherFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	publisherFactories[broker] = factory
}

// NewPublisher creates the publisher for config.Broker
func NewPublisher(config cfg.CaptureConfiguration) (Publisher, error) {
	factoryMu.RLock()
	factory, exists := publisherFactories[config.Broker]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown broker type: %s", config.Broker)
	}

	p, err := factory(config)
	if err != nil {
		return nil, err
	}
	return &instrumentedPublisher{Publisher: p}, nil
}

// instrumentedPublisher records send results and latency
type instrumentedPublisher struct {
	Publisher
}

func (p *instrumentedPublisher) Send(ctx context.Context, event *MutationEvent) error {
	start := time.Now()
	err := p.Publisher.Send(ctx, event)
	telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		telemetry.EventsPublishedTotal.With("success").Inc()
	case IsTemporary(err):
		telemetry.EventsPublishedTotal.With("temporary").Inc()
	default:
		telemetry.EventsPublishedTotal.With("permanent").Inc()
	}
	return err
}
