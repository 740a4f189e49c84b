package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/cfg"
	"github.com/segmentio/kafka-go"
)

func testCaptureConfig() cfg.CaptureConfiguration {
	return cfg.CaptureConfiguration{
		Enabled:          true,
		BootstrapServers: "localhost:9092, localhost:9093",
		Topic:            "index-changes",
		Broker:           "kafka",
		Format:           "msgpack",
		Producer:         cfg.ProducerConfiguration{SendTimeoutMS: 1500, MaxAttempts: 3, ClientID: "indexsync-2a"},
		Consumer:         cfg.ConsumerConfiguration{GroupID: "indexsync-replay", PollTimeoutMS: 250},
	}
}

func TestKafkaPublisherConfigFrom(t *testing.T) {
	config := KafkaPublisherConfigFrom(testCaptureConfig())

	if len(config.Brokers) != 2 {
		t.Fatalf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.Brokers[1] != "localhost:9093" {
		t.Errorf("expected second broker localhost:9093, got %s", config.Brokers[1])
	}
	if config.Topic != "index-changes" {
		t.Errorf("expected topic index-changes, got %s", config.Topic)
	}
	if config.SendTimeout != 1500*time.Millisecond {
		t.Errorf("expected send timeout 1.5s, got %v", config.SendTimeout)
	}
	if config.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", config.MaxAttempts)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if config.Codec.Name() != "msgpack" {
		t.Errorf("expected msgpack codec, got %s", config.Codec.Name())
	}
}

func TestNewKafkaPublisher(t *testing.T) {
	publisher, err := NewKafkaPublisher(KafkaPublisherConfig{
		Brokers:  []string{"localhost:9092"},
		Topic:    "index-changes",
		ClientID: "client",
	})
	if err != nil {
		t.Fatalf("unexpected error creating publisher: %v", err)
	}
	defer publisher.Close()

	w := publisher.writer
	if w.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", w.RequiredAcks)
	}
	if w.Async {
		t.Error("expected Async to be false for durability")
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", w.Balancer)
	}
	if w.MaxAttempts != DefaultKafkaMaxAttempts {
		t.Errorf("expected %d attempts, got %d", DefaultKafkaMaxAttempts, w.MaxAttempts)
	}
	if w.BatchTimeout != DefaultKafkaBatchTimeout {
		t.Errorf("expected batch timeout %v, got %v", DefaultKafkaBatchTimeout, w.BatchTimeout)
	}
	if publisher.sendTimeout != capture.DefaultSendTimeout {
		t.Errorf("expected default send timeout, got %v", publisher.sendTimeout)
	}
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaPublisherConfig{Topic: "t"}); err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
	if _, err := NewKafkaPublisher(KafkaPublisherConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error for empty topic, got nil")
	}
}

func TestKafkaPublisher_SendAfterClose(t *testing.T) {
	publisher, err := NewKafkaPublisher(KafkaPublisherConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	if err != nil {
		t.Fatalf("unexpected error creating publisher: %v", err)
	}

	if err := publisher.Close(); err != nil {
		t.Errorf("unexpected error closing publisher: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	err = publisher.Send(context.Background(), testEvent("s", "d", "v"))
	if !errors.Is(err, capture.ErrPublisherClosed) {
		t.Errorf("expected ErrPublisherClosed, got %v", err)
	}
}

func TestKafkaPublisher_FlushWithoutSends(t *testing.T) {
	publisher, err := NewKafkaPublisher(KafkaPublisherConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	if err != nil {
		t.Fatalf("unexpected error creating publisher: %v", err)
	}
	defer publisher.Close()

	if err := publisher.Flush(context.Background()); err != nil {
		t.Errorf("unexpected flush error: %v", err)
	}
}

func TestClassifyKafkaError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"request timeout", kafka.RequestTimedOut, true},
		{"wrapped timeout", kafka.WriteErrors{kafka.RequestTimedOut}, true},
		{"broker rejection", kafka.MessageSizeTooLarge, false},
		{"wrapped rejection", kafka.WriteErrors{nil, kafka.TopicAuthorizationFailed}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyKafkaError("s:d", tt.err)
			var pe *capture.PublishError
			if !errors.As(err, &pe) {
				t.Fatalf("expected PublishError, got %T", err)
			}
			if pe.Temporary != tt.temporary {
				t.Errorf("expected temporary=%v, got %v", tt.temporary, pe.Temporary)
			}
			if pe.Key != "s:d" {
				t.Errorf("expected key s:d, got %s", pe.Key)
			}
		})
	}

	if classifyKafkaError("s:d", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestKafkaHeaders(t *testing.T) {
	headers := kafkaHeaders(map[string]string{capture.HeaderContentType: "application/json"})
	if len(headers) != 1 {
		t.Fatalf("expected 1 header, got %d", len(headers))
	}
	if headers[0].Key != capture.HeaderContentType || string(headers[0].Value) != "application/json" {
		t.Errorf("unexpected header %+v", headers[0])
	}

	rec := kafkaRecord(kafka.Message{
		Key:       []byte("s:d"),
		Value:     []byte("{}"),
		Partition: 3,
		Offset:    17,
		Headers:   headers,
	})
	if rec.Key != "s:d" || rec.Partition != 3 || rec.Offset != 17 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Headers[capture.HeaderContentType] != "application/json" {
		t.Errorf("expected content-type header, got %v", rec.Headers)
	}
}

func TestKafkaConsumerConfigFrom(t *testing.T) {
	config := KafkaConsumerConfigFrom(testCaptureConfig())

	if config.GroupID != "indexsync-replay" {
		t.Errorf("expected group indexsync-replay, got %s", config.GroupID)
	}
	if config.MaxWait != 250*time.Millisecond {
		t.Errorf("expected max wait 250ms, got %v", config.MaxWait)
	}
	if config.ClientID != "indexsync-2a" {
		t.Errorf("expected client id indexsync-2a, got %s", config.ClientID)
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	base := KafkaConsumerConfig{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"}

	noBrokers := base
	noBrokers.Brokers = nil
	if _, err := NewKafkaConsumer(noBrokers); err == nil {
		t.Error("expected error for empty brokers")
	}

	noTopic := base
	noTopic.Topic = ""
	if _, err := NewKafkaConsumer(noTopic); err == nil {
		t.Error("expected error for empty topic")
	}

	noGroup := base
	noGroup.GroupID = ""
	if _, err := NewKafkaConsumer(noGroup); err == nil {
		t.Error("expected error for empty group")
	}
}

func TestNewKafkaConsumer(t *testing.T) {
	consumer, err := NewKafkaConsumer(KafkaConsumerConfig{Brokers: []string{"localhost:9092"}, Topic: "t", GroupID: "g"})
	if err != nil {
		t.Fatalf("unexpected error creating consumer: %v", err)
	}
	defer consumer.Close()

	if consumer.config.StartOffset != kafka.FirstOffset {
		t.Errorf("expected earliest start offset, got %d", consumer.config.StartOffset)
	}
	if consumer.config.CommitInterval != 0 {
		t.Errorf("expected synchronous commits, got interval %v", consumer.config.CommitInterval)
	}
	if consumer.config.MaxBytes != DefaultKafkaMaxBytes {
		t.Errorf("expected max bytes %d, got %d", DefaultKafkaMaxBytes, consumer.config.MaxBytes)
	}
	if consumer.linger != DefaultKafkaPollLinger {
		t.Errorf("expected linger %v, got %v", DefaultKafkaPollLinger, consumer.linger)
	}

	// Nothing fetched: commit is a no-op and does not touch the broker
	if err := consumer.Commit(context.Background()); err != nil {
		t.Errorf("unexpected commit error: %v", err)
	}
}

// fakeKafkaReader serves queued messages, then an optional error, then blocks until ctx is done
type fakeKafkaReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	err       error
	committed []kafka.Message
	closed    bool
}

func (f *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeKafkaReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakeKafkaConsumer(readers ...*fakeKafkaReader) *KafkaConsumer {
	next := 1
	return &KafkaConsumer{
		config: kafka.ReaderConfig{Topic: "t"},
		linger: DefaultKafkaPollLinger,
		reader: readers[0],
		newReader: func(kafka.ReaderConfig) kafkaReader {
			r := readers[next]
			next++
			return r
		},
	}
}

func kafkaMessages(keys ...string) []kafka.Message {
	msgs := make([]kafka.Message, len(keys))
	for i, k := range keys {
		msgs[i] = kafka.Message{Key: []byte(k), Value: []byte("{}"), Offset: int64(i)}
	}
	return msgs
}

func TestKafkaConsumerPollReturnsWhenIdle(t *testing.T) {
	consumer := newFakeKafkaConsumer(&fakeKafkaReader{messages: kafkaMessages("a", "b", "c")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	records, err := consumer.Poll(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected poll error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("poll waited %v for a partial batch", elapsed)
	}
}

func TestKafkaConsumerPollWaitsForFirstMessage(t *testing.T) {
	consumer := newFakeKafkaConsumer(&fakeKafkaReader{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	records, err := consumer.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("expiry of the poll window is not an error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestKafkaConsumerPollKeepsFetchedRecordsOnError(t *testing.T) {
	first := &fakeKafkaReader{messages: kafkaMessages("a", "b"), err: errors.New("connection reset")}
	second := &fakeKafkaReader{messages: kafkaMessages("a", "b")}
	consumer := newFakeKafkaConsumer(first, second)

	records, err := consumer.Poll(context.Background(), 10)
	if err != nil {
		t.Fatalf("records already fetched must be returned without error: %v", err)
	}
	if len(records) != 2 || len(consumer.pending) != 2 {
		t.Fatalf("expected 2 records and 2 pending, got %d and %d", len(records), len(consumer.pending))
	}

	// The next poll surfaces the failure with nothing fetched
	if _, err := consumer.Poll(context.Background(), 10); err == nil {
		t.Fatal("expected fetch error when nothing was fetched")
	}

	// Rewind drops pending messages and swaps in a fresh reader
	if err := consumer.Rewind(context.Background()); err != nil {
		t.Fatalf("unexpected rewind error: %v", err)
	}
	if !first.closed {
		t.Error("expected the old reader to be closed")
	}
	if len(consumer.pending) != 0 {
		t.Errorf("expected no pending messages after rewind, got %d", len(consumer.pending))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	records, err = consumer.Poll(ctx, 10)
	if err != nil || len(records) != 2 {
		t.Fatalf("expected redelivered records, got %d (%v)", len(records), err)
	}
	if err := consumer.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if len(second.committed) != 2 {
		t.Errorf("expected 2 committed messages, got %d", len(second.committed))
	}
}
