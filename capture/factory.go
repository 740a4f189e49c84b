package capture

import (
	"fmt"
	"sync/atomic"

	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/index"
	"github.com/rs/zerolog/log"
)

// Factory owns the publisher and decides, once per transaction, whether to wrap it.
// When capture is disabled transactions are handed back untouched.
type Factory struct {
	config    cfg.CaptureConfiguration
	publisher Publisher
	filter    *StoreFilter
	closed    atomic.Bool
}

// NewFactory creates the configured publisher when capture is enabled
func NewFactory(config cfg.CaptureConfiguration) (*Factory, error) {
	if !config.Enabled {
		log.Info().Msg("Index change capture disabled")
		return &Factory{config: config}, nil
	}

	publisher, err := NewPublisher(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s publisher: %w", config.Broker, err)
	}

	f, err := NewFactoryWithPublisher(config, publisher)
	if err != nil {
		publisher.Close()
		return nil, err
	}
	return f, nil
}

// NewFactoryWithPublisher builds a factory around an existing publisher
func NewFactoryWithPublisher(config cfg.CaptureConfiguration, publisher Publisher) (*Factory, error) {
	if config.Enabled && publisher == nil {
		return nil, fmt.Errorf("publisher is required when capture is enabled")
	}

	filter, err := NewStoreFilter(config.Stores)
	if err != nil {
		return nil, err
	}

	log.Info().
		Bool("enabled", config.Enabled).
		Str("mode", config.Mode.String()).
		Str("topic", config.Topic).
		Str("broker", config.Broker).
		Strs("stores", config.Stores).
		Msg("Index change capture configured")

	return &Factory{config: config, publisher: publisher, filter: filter}, nil
}

// Enabled reports whether transactions are wrapped
func (f *Factory) Enabled() bool {
	return f.config.Enabled
}

// Mode returns the effective capture mode
func (f *Factory) Mode() cfg.CaptureMode {
	return f.config.Mode.Normalize()
}

// Wrap returns base decorated with capture, or base itself when capture is disabled
func (f *Factory) Wrap(base index.Transaction) index.Transaction {
	if !f.config.Enabled {
		return base
	}
	return NewTransaction(base, f.publisher, f.config.Mode, f.filter)
}

// Begin opens a base transaction on provider and wraps it
func (f *Factory) Begin(provider index.Provider, keys index.KeyInformationRetriever) index.Transaction {
	return f.Wrap(index.NewTransaction(provider, keys))
}

// Close closes the publisher; later calls are no-ops
func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) || f.publisher == nil {
		return nil
	}
	if err := f.publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close capture publisher")
	}
	return nil
}
