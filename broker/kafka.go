// Package broker provides the Kafka, NATS JetStream and in-process transports
// the capture publisher and replay consumer are created from.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/replay"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaMaxAttempts  = 5
	DefaultKafkaBatchTimeout = 5 * time.Millisecond
	DefaultKafkaMaxBytes     = 10 << 20
	DefaultKafkaPollLinger   = 10 * time.Millisecond
)

func init() {
	capture.RegisterPublisher("kafka", func(config cfg.CaptureConfiguration) (capture.Publisher, error) {
		return NewKafkaPublisher(KafkaPublisherConfigFrom(config))
	})
	replay.RegisterConsumer("kafka", func(config cfg.CaptureConfiguration) (replay.Consumer, error) {
		return NewKafkaConsumer(KafkaConsumerConfigFrom(config))
	})
}

// KafkaPublisherConfig holds configuration for KafkaPublisher
type KafkaPublisherConfig struct {
	Brokers      []string           // Kafka broker addresses
	Topic        string             // Capture topic
	ClientID     string             // Client id reported to the brokers
	Codec        capture.Codec      // Event encoding
	SendTimeout  time.Duration      // Max wait for an acknowledgment (default: 30s)
	MaxAttempts  int                // Bounded retries inside the writer (default: 5)
	BatchBytes   int64              // Max batch bytes (default: 1MB)
	BatchTimeout time.Duration      // Max wait to fill a batch (default: 5ms)
	RequiredAcks kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreate   bool               // Auto-create the topic if missing
}

// KafkaPublisherConfigFrom maps the capture configuration to a publisher config
func KafkaPublisherConfigFrom(config cfg.CaptureConfiguration) KafkaPublisherConfig {
	codec, err := capture.CodecFor(config.Format)
	if err != nil {
		codec = capture.JSONCodec{}
	}
	if config.Producer.Idempotent {
		// kafka-go has no idempotent producer; retries may duplicate, replay converges by document state
		log.Debug().Msg("Kafka producer idempotence unavailable, relying on synchronous acks and bounded retries")
	}
	return KafkaPublisherConfig{
		Brokers:      config.Brokers(),
		Topic:        config.Topic,
		ClientID:     config.Producer.ClientID,
		Codec:        codec,
		SendTimeout:  capture.SendTimeout(config),
		MaxAttempts:  config.Producer.MaxAttempts,
		RequiredAcks: kafka.RequireAll,
		AutoCreate:   true,
	}
}

// KafkaPublisher sends each event synchronously with all-replica acks,
// keyed by store:documentId so the Hash balancer keeps a document on one partition.
type KafkaPublisher struct {
	writer      *kafka.Writer
	codec       capture.Codec
	sendTimeout time.Duration
	inflight    sync.WaitGroup
	closed      atomic.Bool
}

// NewKafkaPublisher creates a KafkaPublisher with the given configuration
func NewKafkaPublisher(config KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}

	if config.Codec == nil {
		config.Codec = capture.JSONCodec{}
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = capture.DefaultSendTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultKafkaMaxAttempts
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}
	if config.RequiredAcks == kafka.RequireNone {
		config.RequiredAcks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{}, // Partition by key for per-document ordering
		MaxAttempts:            config.MaxAttempts,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes: Send returns after the ack
		AllowAutoTopicCreation: config.AutoCreate,
		Transport:              &kafka.Transport{ClientID: config.ClientID},
	}

	return &KafkaPublisher{
		writer:      writer,
		codec:       config.Codec,
		sendTimeout: config.SendTimeout,
	}, nil
}

// Send writes one event and waits for the acknowledgment
func (k *KafkaPublisher) Send(ctx context.Context, event *capture.MutationEvent) error {
	if k.closed.Load() {
		return &capture.PublishError{Key: event.Key(), Err: capture.ErrPublisherClosed}
	}

	msg, err := capture.EncodeMessage(k.codec, event)
	if err != nil {
		return err
	}

	k.inflight.Add(1)
	defer k.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, k.sendTimeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkaHeaders(msg.Headers),
	})
	return classifyKafkaError(msg.Key, err)
}

// Flush waits for sends still in flight on other goroutines
func (k *KafkaPublisher) Flush(ctx context.Context) error {
	return waitGroupDone(ctx, &k.inflight)
}

// Close releases the writer; close errors are logged
func (k *KafkaPublisher) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := k.writer.Close(); err != nil {
		log.Warn().Err(err).Str("topic", k.writer.Topic).Msg("Failed to close kafka writer")
	}
	return nil
}

func kafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// classifyKafkaError unwraps the per-message WriteErrors of a single-message write.
// Broker error codes are permanent unless they are request timeouts.
func classifyKafkaError(key string, err error) error {
	if err == nil {
		return nil
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Timeout() {
		return &capture.PublishError{Key: key, Temporary: true, Err: err}
	}
	return capture.ClassifySendError(key, err)
}

// KafkaConsumerConfig holds configuration for KafkaConsumer
type KafkaConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
	MaxBytes int           // Max fetch size (default: 10MB)
	MaxWait  time.Duration // Max broker-side wait per fetch (default: poll timeout)
	Linger   time.Duration // Wait for more messages once a poll has one (default: 10ms)
}

// KafkaConsumerConfigFrom maps the capture configuration to a consumer config
func KafkaConsumerConfigFrom(config cfg.CaptureConfiguration) KafkaConsumerConfig {
	maxWait := replay.DefaultPollTimeout
	if config.Consumer.PollTimeoutMS > 0 {
		maxWait = time.Duration(config.Consumer.PollTimeoutMS) * time.Millisecond
	}
	return KafkaConsumerConfig{
		Brokers:  config.Brokers(),
		Topic:    config.Topic,
		GroupID:  config.Consumer.GroupID,
		ClientID: config.Producer.ClientID,
		MaxWait:  maxWait,
	}
}

// KafkaConsumer reads the capture topic in a consumer group with manual, synchronous commits.
// New groups start at the earliest offset.
type KafkaConsumer struct {
	config    kafka.ReaderConfig
	linger    time.Duration
	newReader func(kafka.ReaderConfig) kafkaReader
	reader    kafkaReader
	pending   []kafka.Message
}

// kafkaReader is the part of *kafka.Reader the consumer uses
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newKafkaReader(config kafka.ReaderConfig) kafkaReader {
	return kafka.NewReader(config)
}

// NewKafkaConsumer creates a KafkaConsumer with the given configuration
func NewKafkaConsumer(config KafkaConsumerConfig) (*KafkaConsumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires a group id")
	}

	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultKafkaMaxBytes
	}
	if config.MaxWait <= 0 {
		config.MaxWait = replay.DefaultPollTimeout
	}
	if config.Linger <= 0 {
		config.Linger = DefaultKafkaPollLinger
	}

	readerConfig := kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       config.MaxBytes,
		MaxWait:        config.MaxWait,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // Synchronous commits from CommitMessages
		Dialer: &kafka.Dialer{
			ClientID:  config.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	}

	return &KafkaConsumer{
		config:    readerConfig,
		linger:    config.Linger,
		newReader: newKafkaReader,
		reader:    newKafkaReader(readerConfig),
	}, nil
}

// Poll fetches up to max messages. It waits until ctx is done for the first one, then
// returns as soon as no further message arrives within the linger window.
// Records already fetched are returned without error; a broker failure surfaces on the next poll.
func (k *KafkaConsumer) Poll(ctx context.Context, max int) ([]replay.Record, error) {
	records := make([]replay.Record, 0, max)
	for len(records) < max {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(records) > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, k.linger)
		}
		msg, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if fetchCtx.Err() != nil {
				return records, nil
			}
			if len(records) > 0 {
				log.Warn().Err(err).Str("topic", k.config.Topic).Int("records", len(records)).
					Msg("Kafka fetch failed, returning records fetched so far")
				return records, nil
			}
			return nil, fmt.Errorf("failed to fetch from %s: %w", k.config.Topic, err)
		}

		k.pending = append(k.pending, msg)
		records = append(records, kafkaRecord(msg))
	}
	return records, nil
}

// Commit commits the offsets of every fetched message
func (k *KafkaConsumer) Commit(ctx context.Context) error {
	if len(k.pending) == 0 {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, k.pending...); err != nil {
		return fmt.Errorf("failed to commit %d messages: %w", len(k.pending), err)
	}
	k.pending = k.pending[:0]
	return nil
}

// Rewind recreates the reader so the group resumes from its committed offsets.
// A kafka-go reader never redelivers messages it already fetched.
func (k *KafkaConsumer) Rewind(_ context.Context) error {
	k.pending = k.pending[:0]
	if err := k.reader.Close(); err != nil {
		log.Warn().Err(err).Str("topic", k.config.Topic).Msg("Failed to close kafka reader during rewind")
	}
	k.reader = k.newReader(k.config)
	return nil
}

// Close releases the reader
func (k *KafkaConsumer) Close() error {
	return k.reader.Close()
}

func kafkaRecord(msg kafka.Message) replay.Record {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return replay.Record{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

// waitGroupDone waits for wg or ctx, whichever comes first
func waitGroupDone(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &capture.PublishError{Temporary: true, Err: fmt.Errorf("flush interrupted: %w", ctx.Err())}
	}
}
