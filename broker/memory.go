package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/replay"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultMemoryPartitions is the partition count of brokers created by name
const DefaultMemoryPartitions = 4

// Memory brokers by bootstrap servers and topic, shared within the process
var memoryBrokers = xsync.NewMapOf[string, *MemoryBroker]()

func init() {
	capture.RegisterPublisher("memory", func(config cfg.CaptureConfiguration) (capture.Publisher, error) {
		codec, err := capture.CodecFor(config.Format)
		if err != nil {
			return nil, err
		}
		return SharedMemoryBroker(config.BootstrapServers, config.Topic).Publisher(codec), nil
	})
	replay.RegisterConsumer("memory", func(config cfg.CaptureConfiguration) (replay.Consumer, error) {
		return SharedMemoryBroker(config.BootstrapServers, config.Topic).Consumer(config.Consumer.GroupID), nil
	})
}

// SharedMemoryBroker returns the process-wide broker for servers/topic, creating it on first use
func SharedMemoryBroker(servers, topic string) *MemoryBroker {
	b, _ := memoryBrokers.LoadOrCompute(servers+"/"+topic, func() *MemoryBroker {
		return NewMemoryBroker(DefaultMemoryPartitions)
	})
	return b
}

// MemoryBroker is an in-process partitioned log with consumer-group offsets.
// Records are assigned to partitions by the xxhash of their key.
type MemoryBroker struct {
	mu         sync.Mutex
	partitions [][]replay.Record
	committed  map[string][]int64 // group -> next offset per partition
	changed    chan struct{}      // Closed and replaced on every append
}

// NewMemoryBroker creates a broker with n partitions
func NewMemoryBroker(n int) *MemoryBroker {
	if n <= 0 {
		n = 1
	}
	return &MemoryBroker{
		partitions: make([][]replay.Record, n),
		committed:  make(map[string][]int64),
		changed:    make(chan struct{}),
	}
}

// Partition returns the partition a key is assigned to
func (b *MemoryBroker) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(b.partitions)))
}

// Append adds a record to the partition of its key and returns its offset
func (b *MemoryBroker) Append(key string, value []byte, headers map[string]string) (int, int64) {
	partition := b.Partition(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int64(len(b.partitions[partition]))
	b.partitions[partition] = append(b.partitions[partition], replay.Record{
		Key:       key,
		Value:     value,
		Headers:   headers,
		Partition: partition,
		Offset:    offset,
	})

	close(b.changed)
	b.changed = make(chan struct{})
	return partition, offset
}

// Records returns a copy of one partition
func (b *MemoryBroker) Records(partition int) []replay.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]replay.Record(nil), b.partitions[partition]...)
}

// Len returns the number of records across partitions
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, p := range b.partitions {
		n += len(p)
	}
	return n
}

// Committed returns the committed offsets of a group
func (b *MemoryBroker) Committed(group string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.committedLocked(group)...)
}

func (b *MemoryBroker) committedLocked(group string) []int64 {
	offsets, ok := b.committed[group]
	if !ok {
		offsets = make([]int64, len(b.partitions))
		b.committed[group] = offsets
	}
	return offsets
}

// Publisher returns a publisher appending to this broker
func (b *MemoryBroker) Publisher(codec capture.Codec) *MemoryPublisher {
	if codec == nil {
		codec = capture.JSONCodec{}
	}
	return &MemoryPublisher{broker: b, codec: codec}
}

// Consumer returns a consumer reading from the committed offsets of group
func (b *MemoryBroker) Consumer(group string) *MemoryConsumer {
	return &MemoryConsumer{broker: b, group: group}
}

// MemoryPublisher appends encoded events to a MemoryBroker.
// Appends are acknowledged immediately.
type MemoryPublisher struct {
	broker *MemoryBroker
	codec  capture.Codec
	closed atomic.Bool
}

func (p *MemoryPublisher) Send(ctx context.Context, event *capture.MutationEvent) error {
	if p.closed.Load() {
		return &capture.PublishError{Key: event.Key(), Err: capture.ErrPublisherClosed}
	}
	if err := ctx.Err(); err != nil {
		return capture.ClassifySendError(event.Key(), err)
	}

	msg, err := capture.EncodeMessage(p.codec, event)
	if err != nil {
		return err
	}
	p.broker.Append(msg.Key, msg.Value, msg.Headers)
	return nil
}

func (p *MemoryPublisher) Flush(ctx context.Context) error {
	return nil
}

func (p *MemoryPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

// MemoryConsumer reads every partition of a MemoryBroker as a member of group
type MemoryConsumer struct {
	broker   *MemoryBroker
	group    string
	position []int64 // Next offset to read per partition, nil = committed offsets
	closed   bool
}

// Poll reads up to max records across partitions, waiting for appends until ctx is done
func (c *MemoryConsumer) Poll(ctx context.Context, max int) ([]replay.Record, error) {
	if c.closed {
		return nil, fmt.Errorf("memory consumer closed")
	}

	for {
		records, changed := c.read(max)
		if len(records) > 0 {
			return records, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (c *MemoryConsumer) read(max int) ([]replay.Record, <-chan struct{}) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.position == nil {
		c.position = append([]int64(nil), b.committedLocked(c.group)...)
	}

	var records []replay.Record
	for p := range b.partitions {
		for c.position[p] < int64(len(b.partitions[p])) && len(records) < max {
			records = append(records, b.partitions[p][c.position[p]])
			c.position[p]++
		}
	}
	return records, b.changed
}

// Commit records the read position as the group's committed offsets
func (c *MemoryConsumer) Commit(_ context.Context) error {
	if c.position == nil {
		return nil
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.committedLocked(c.group), c.position)
	return nil
}

// Rewind resets the read position to the committed offsets
func (c *MemoryConsumer) Rewind(_ context.Context) error {
	c.position = nil
	return nil
}

func (c *MemoryConsumer) Close() error {
	c.closed = true
	return nil
}
