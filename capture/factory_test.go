package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/index/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_DisabledReturnsBase(t *testing.T) {
	f, err := NewFactory(cfg.CaptureConfiguration{Enabled: false})
	require.NoError(t, err)
	assert.False(t, f.Enabled())

	base := index.NewTransaction(memstore.New(), nil)
	assert.Same(t, base, f.Wrap(base))
	assert.NoError(t, f.Close())
}

func TestFactory_EnabledWrapsBase(t *testing.T) {
	pub := &recordingPublisher{log: &callLog{}}
	f, err := NewFactoryWithPublisher(cfg.CaptureConfiguration{
		Enabled: true,
		Mode:    cfg.ModeSkip,
		Topic:   "idx-events",
	}, pub)
	require.NoError(t, err)
	assert.Equal(t, cfg.ModeSkip, f.Mode())

	store := memstore.New()
	tx := f.Begin(store, nil)
	_, ok := tx.(*Transaction)
	require.True(t, ok)

	tx.AddField("s", "d", "k", "v", true)
	require.NoError(t, tx.Commit(context.Background()))
	assert.Len(t, pub.sent(), 1)
	assert.Nil(t, store.Get("s", "d"))

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.True(t, pub.closed)
}

func TestFactory_RequiresPublisherWhenEnabled(t *testing.T) {
	_, err := NewFactoryWithPublisher(cfg.CaptureConfiguration{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestFactory_InvalidStorePattern(t *testing.T) {
	_, err := NewFactoryWithPublisher(cfg.CaptureConfiguration{Stores: []string{"[bad"}}, nil)
	assert.Error(t, err)
}

func TestNewPublisher_Registry(t *testing.T) {
	pub := &recordingPublisher{log: &callLog{}}
	RegisterPublisher("capture-test", func(config cfg.CaptureConfiguration) (Publisher, error) {
		return pub, nil
	})
	RegisterPublisher("capture-test-broken", func(config cfg.CaptureConfiguration) (Publisher, error) {
		return nil, errors.New("no brokers reachable")
	})

	p, err := NewPublisher(cfg.CaptureConfiguration{Broker: "capture-test"})
	require.NoError(t, err)

	event := NewMutationEvent("s", "d", nil, nil, false, false, 1)
	require.NoError(t, p.Send(context.Background(), event))
	assert.Len(t, pub.sent(), 1)

	_, err = NewPublisher(cfg.CaptureConfiguration{Broker: "capture-test-broken"})
	assert.Error(t, err)

	_, err = NewPublisher(cfg.CaptureConfiguration{Broker: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewFactory(cfg.CaptureConfiguration{Enabled: true, Broker: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestSendTimeout(t *testing.T) {
	assert.Equal(t, DefaultSendTimeout, SendTimeout(cfg.CaptureConfiguration{}))

	c := cfg.CaptureConfiguration{}
	c.Producer.SendTimeoutMS = 1500
	assert.Equal(t, int64(1500), SendTimeout(c).Milliseconds())
}
