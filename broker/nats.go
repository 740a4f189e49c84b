package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/cfg"
	"github.com/maxpert/indexsync/replay"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	// Header carrying the partition key on NATS messages
	natsKeyHeader = "key"
	// Window in which JetStream drops republished Nats-Msg-Id duplicates
	DefaultNatsDuplicateWindow = 2 * time.Minute
	// How long events are retained on the stream
	DefaultNatsMaxAge = 24 * time.Hour
)

func init() {
	capture.RegisterPublisher("nats", func(config cfg.CaptureConfiguration) (capture.Publisher, error) {
		codec, err := capture.CodecFor(config.Format)
		if err != nil {
			return nil, err
		}
		return NewNatsPublisher(NatsConfigFrom(config), codec, capture.SendTimeout(config))
	})
	replay.RegisterConsumer("nats", func(config cfg.CaptureConfiguration) (replay.Consumer, error) {
		return NewNatsConsumer(NatsConfigFrom(config))
	})
}

// NatsConfig holds connection and stream settings shared by publisher and consumer
type NatsConfig struct {
	URL     string // Comma separated server URLs
	Subject string // Capture subject; the stream is named after it
	Durable string // Durable consumer name
	Name    string // Connection name reported to the server
	Dedupe  bool   // Send Nats-Msg-Id so the stream drops republished events
}

// NatsConfigFrom maps the capture configuration to a NATS config
func NatsConfigFrom(config cfg.CaptureConfiguration) NatsConfig {
	return NatsConfig{
		URL:     strings.Join(config.Brokers(), ","),
		Subject: config.Topic,
		Durable: sanitizeStreamName(config.Consumer.GroupID),
		Name:    config.Producer.ClientID,
		Dedupe:  config.Producer.Idempotent,
	}
}

func connectNats(config NatsConfig) (*nats.Conn, jetstream.JetStream, error) {
	if config.URL == "" {
		return nil, nil, fmt.Errorf("nats transport requires a server url")
	}
	if config.Subject == "" {
		return nil, nil, fmt.Errorf("nats transport requires a subject")
	}

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// ensureStream creates or updates the stream backing subject
func ensureStream(ctx context.Context, js jetstream.JetStream, subject string) (jetstream.Stream, error) {
	streamName := sanitizeStreamName(subject)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     DefaultNatsMaxAge,
		Duplicates: DefaultNatsDuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	return stream, nil
}

// NatsPublisher publishes events to a JetStream stream and waits for the PubAck.
// With Dedupe every message carries its event id as Nats-Msg-Id so client retries are de-duplicated.
type NatsPublisher struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	subject     string
	codec       capture.Codec
	sendTimeout time.Duration
	dedupe      bool

	streamMu sync.Mutex
	ensured  bool
	inflight sync.WaitGroup
	closed   atomic.Bool
}

// NewNatsPublisher connects and returns a publisher; the stream is ensured on first send
func NewNatsPublisher(config NatsConfig, codec capture.Codec, sendTimeout time.Duration) (*NatsPublisher, error) {
	nc, js, err := connectNats(config)
	if err != nil {
		return nil, err
	}
	if codec == nil {
		codec = capture.JSONCodec{}
	}
	if sendTimeout <= 0 {
		sendTimeout = capture.DefaultSendTimeout
	}

	return &NatsPublisher{
		nc:          nc,
		js:          js,
		subject:     config.Subject,
		codec:       codec,
		sendTimeout: sendTimeout,
		dedupe:      config.Dedupe,
	}, nil
}

func (n *NatsPublisher) ensureStream(ctx context.Context) error {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()

	if n.ensured {
		return nil
	}
	if _, err := ensureStream(ctx, n.js, n.subject); err != nil {
		return err
	}
	n.ensured = true
	return nil
}

// Send publishes one event and waits for the stream acknowledgment
func (n *NatsPublisher) Send(ctx context.Context, event *capture.MutationEvent) error {
	if n.closed.Load() {
		return &capture.PublishError{Key: event.Key(), Err: capture.ErrPublisherClosed}
	}

	msg, err := capture.EncodeMessage(n.codec, event)
	if err != nil {
		return err
	}

	n.inflight.Add(1)
	defer n.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()

	if err := n.ensureStream(ctx); err != nil {
		return classifyNatsError(msg.Key, err)
	}

	natsMsg := &nats.Msg{
		Subject: n.subject,
		Data:    msg.Value,
		Header:  nats.Header{natsKeyHeader: []string{msg.Key}},
	}
	for k, v := range msg.Headers {
		natsMsg.Header.Set(k, v)
	}

	var opts []jetstream.PublishOpt
	if n.dedupe {
		msgID := msg.Headers[capture.HeaderEventID]
		if msgID == "" {
			msgID = uuid.NewString()
		}
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	if _, err := n.js.PublishMsg(ctx, natsMsg, opts...); err != nil {
		return classifyNatsError(msg.Key, fmt.Errorf("failed to publish to %s: %w", n.subject, err))
	}
	return nil
}

// Flush waits for concurrent sends and then for the connection's outgoing buffer
func (n *NatsPublisher) Flush(ctx context.Context) error {
	if err := waitGroupDone(ctx, &n.inflight); err != nil {
		return err
	}
	if n.closed.Load() {
		return nil
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return classifyNatsError("", fmt.Errorf("failed to flush NATS connection: %w", err))
	}
	return nil
}

// Close drains and closes the connection
func (n *NatsPublisher) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		log.Warn().Err(err).Str("subject", n.subject).Msg("Failed to drain NATS connection")
		n.nc.Close()
	}
	return nil
}

// classifyNatsError treats request timeouts as temporary; JetStream API errors are permanent
func classifyNatsError(key string, err error) error {
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrConnectionReconnecting) {
		return &capture.PublishError{Key: key, Temporary: true, Err: err}
	}
	return capture.ClassifySendError(key, err)
}

// NatsConsumer pulls from a durable JetStream consumer with explicit acks.
// Commit acks every fetched message; Rewind naks them for redelivery.
type NatsConsumer struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	config   NatsConfig
	consumer jetstream.Consumer
	pending  []jetstream.Msg
}

// NewNatsConsumer connects; the stream and durable consumer are ensured on first poll
func NewNatsConsumer(config NatsConfig) (*NatsConsumer, error) {
	if config.Durable == "" {
		return nil, fmt.Errorf("nats consumer requires a durable name")
	}
	nc, js, err := connectNats(config)
	if err != nil {
		return nil, err
	}
	return &NatsConsumer{nc: nc, js: js, config: config}, nil
}

func (n *NatsConsumer) ensureConsumer(ctx context.Context) error {
	if n.consumer != nil {
		return nil
	}

	stream, err := ensureStream(ctx, n.js, n.config.Subject)
	if err != nil {
		return err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       n.config.Durable,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: n.config.Subject,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure consumer %s: %w", n.config.Durable, err)
	}
	n.consumer = consumer
	return nil
}

// Poll waits until ctx is done for the first message, then takes whatever else is
// already available without waiting, up to max.
// Records already fetched are returned without error; a server failure surfaces on the next poll.
func (n *NatsConsumer) Poll(ctx context.Context, max int) ([]replay.Record, error) {
	if err := n.ensureConsumer(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}

	wait := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait <= 0 {
		return nil, nil
	}

	records := make([]replay.Record, 0, max)
	batch, err := n.consumer.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", n.config.Subject, err)
	}
	records, err = n.collect(batch, records)
	if err != nil || len(records) == 0 || max <= 1 {
		return records, err
	}

	batch, err = n.consumer.FetchNoWait(max - 1)
	if err != nil {
		log.Warn().Err(err).Str("subject", n.config.Subject).Msg("NATS fetch failed, returning records fetched so far")
		return records, nil
	}
	return n.collect(batch, records)
}

// collect appends the batch to records; an error is returned only when nothing was fetched
func (n *NatsConsumer) collect(batch jetstream.MessageBatch, records []replay.Record) ([]replay.Record, error) {
	for msg := range batch.Messages() {
		n.pending = append(n.pending, msg)
		records = append(records, natsRecord(msg))
	}
	err := batch.Error()
	if err == nil || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, jetstream.ErrNoMessages) {
		return records, nil
	}
	if len(records) > 0 {
		log.Warn().Err(err).Str("subject", n.config.Subject).Int("records", len(records)).
			Msg("NATS fetch failed, returning records fetched so far")
		return records, nil
	}
	return nil, fmt.Errorf("fetch from %s failed: %w", n.config.Subject, err)
}

// Commit acks every fetched message and waits for the server to confirm
func (n *NatsConsumer) Commit(ctx context.Context) error {
	for i, msg := range n.pending {
		if err := msg.DoubleAck(ctx); err != nil {
			n.pending = n.pending[i:]
			return fmt.Errorf("failed to ack message: %w", err)
		}
	}
	n.pending = n.pending[:0]
	return nil
}

// Rewind naks every fetched message so the server redelivers them
func (n *NatsConsumer) Rewind(_ context.Context) error {
	var errs []error
	for _, msg := range n.pending {
		if err := msg.Nak(); err != nil {
			errs = append(errs, err)
		}
	}
	n.pending = n.pending[:0]
	return errors.Join(errs...)
}

// Close closes the connection; unacked messages are redelivered after the ack wait
func (n *NatsConsumer) Close() error {
	n.nc.Close()
	return nil
}

func natsRecord(msg jetstream.Msg) replay.Record {
	headers := make(map[string]string, len(msg.Headers()))
	for k := range msg.Headers() {
		headers[strings.ToLower(k)] = msg.Headers().Get(k)
	}

	rec := replay.Record{
		Key:     headers[natsKeyHeader],
		Value:   msg.Data(),
		Headers: headers,
	}
	if meta, err := msg.Metadata(); err == nil {
		rec.Offset = int64(meta.Sequence.Stream)
	}
	return rec
}

// sanitizeStreamName converts a topic to a valid JetStream stream name
// JetStream stream names can't contain "." so we replace with "_"
func sanitizeStreamName(topic string) string {
	result := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		switch c := topic[i]; c {
		case '.', ' ', '*', '>', '/', '\\':
			result[i] = '_'
		default:
			result[i] = c
		}
	}
	return string(result)
}
