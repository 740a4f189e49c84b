package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/indexsync/capture"
	"github.com/maxpert/indexsync/index"
	"github.com/maxpert/indexsync/notify"
	"github.com/maxpert/indexsync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default max records per poll
	DefaultBatchSize = 100
	// Default max wait for records per poll
	DefaultPollTimeout = time.Second
	// Default bound on joining the worker goroutine in Stop
	DefaultStopTimeout = 10 * time.Second
	// Default initial delay after a failed batch
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum delay after consecutive failures (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// ErrWorkerRunning is returned by ProcessBatch while the background loop owns the consumer
var ErrWorkerRunning = errors.New("replay worker is running")

// ErrWorkerClosed is returned by ProcessBatch after Close released the consumer
var ErrWorkerClosed = errors.New("replay worker is closed")

// WorkerConfig configures the replay worker
type WorkerConfig struct {
	Name            string                        // Worker name, used in logs
	Consumer        Consumer                      // Source of captured events
	Provider        index.Provider                // Index the events are applied to
	Keys            index.KeyInformationRetriever // Field metadata, nil = provider registrations
	Codec           capture.Codec                 // Codec for records without a content-type header
	Hub             *notify.Hub                   // Optional, signalled after each applied batch
	BatchSize       int                           // Max records per poll
	PollTimeout     time.Duration                 // Max wait per poll
	StopTimeout     time.Duration                 // Max wait when joining the loop in Stop
	RetryInitial    time.Duration                 // Initial delay after a failed batch
	RetryMax        time.Duration                 // Max delay after a failed batch
	RetryMultiplier float64                       // Backoff multiplier
}

const (
	stateStopped int32 = iota
	stateRunning
)

// BatchResult describes one poll/apply/commit cycle
type BatchResult struct {
	Records   int // Records polled
	Skipped   int // Records dropped because they could not be decoded
	Documents int // Documents the merged mutations touched
}

// Stats is a snapshot of the worker counters
type Stats struct {
	Name        string `json:"name"`
	Running     bool   `json:"running"`
	Batches     uint64 `json:"batches"`
	Records     uint64 `json:"records"`
	Documents   uint64 `json:"documents"`
	Failures    uint64 `json:"failures"`
	Skipped     uint64 `json:"skipped"`
	Uncommitted int64  `json:"uncommitted"`
	LastError   string `json:"last_error,omitempty"`
}

// Worker polls the consumer, merges each batch per document, applies it to the
// provider in one transaction and commits offsets only after the apply succeeded.
type Worker struct {
	config WorkerConfig

	state       atomic.Int32
	closed      atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop/Close lifecycle operations
	stepMu      sync.Mutex // One batch at a time
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc

	batches     atomic.Uint64
	records     atomic.Uint64
	documents   atomic.Uint64
	failures    atomic.Uint64
	skipped     atomic.Uint64
	uncommitted atomic.Int64
	lastError   atomic.Value // string
}

// NewWorker validates config and applies defaults
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("index provider is required")
	}

	if config.Name == "" {
		config.Name = "replay"
	}
	if config.Keys == nil {
		config.Keys = config.Provider.KeyInformation()
	}
	if config.Codec == nil {
		config.Codec = capture.JSONCodec{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	return &Worker{config: config}, nil
}

// Start launches the loop; a no-op while already running or after Close
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.closed.Load() {
		return
	}
	if !w.state.CompareAndSwap(stateStopped, stateRunning) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	telemetry.ReplayWorkerRunning.Set(1)

	log.Info().
		Str("worker", w.config.Name).
		Int("batch_size", w.config.BatchSize).
		Dur("poll_timeout", w.config.PollTimeout).
		Msg("Starting replay worker")

	go w.loop(ctx, w.stopCh, w.doneCh)
}

// Stop signals the loop, cancels an in-flight poll and waits up to StopTimeout for it to exit.
// A no-op while stopped.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.state.CompareAndSwap(stateRunning, stateStopped) {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping replay worker")

	close(w.stopCh)
	w.cancel()
	telemetry.ReplayWorkerRunning.Set(0)

	timer := time.NewTimer(w.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-w.doneCh:
		log.Info().Str("worker", w.config.Name).Msg("Replay worker stopped")
	case <-timer.C:
		log.Warn().
			Str("worker", w.config.Name).
			Dur("timeout", w.config.StopTimeout).
			Msg("Timed out waiting for replay worker to stop")
	}
}

// Close stops the loop and closes the consumer, leaving the group so partitions are
// reassigned without waiting for the session timeout. The worker cannot be restarted.
func (w *Worker) Close() error {
	w.Stop()

	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Serialize with a ProcessBatch that may still hold the consumer
	w.stepMu.Lock()
	defer w.stepMu.Unlock()

	if err := w.config.Consumer.Close(); err != nil {
		log.Warn().Err(err).Str("worker", w.config.Name).Msg("Failed to close replay consumer")
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	log.Info().Str("worker", w.config.Name).Msg("Replay consumer closed")
	return nil
}

// Running reports whether the loop is running
func (w *Worker) Running() bool {
	return w.state.Load() == stateRunning
}

// ProcessBatch runs one poll/apply/commit cycle on the caller's goroutine.
// It refuses to run while the background loop is running.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	if w.Running() {
		return BatchResult{}, ErrWorkerRunning
	}
	if w.closed.Load() {
		return BatchResult{}, ErrWorkerClosed
	}
	return w.processBatch(ctx)
}

// Lag returns the number of records polled but not yet committed
func (w *Worker) Lag() int64 {
	return w.uncommitted.Load()
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() Stats {
	lastErr, _ := w.lastError.Load().(string)
	return Stats{
		Name:        w.config.Name,
		Running:     w.Running(),
		Batches:     w.batches.Load(),
		Records:     w.records.Load(),
		Documents:   w.documents.Load(),
		Failures:    w.failures.Load(),
		Skipped:     w.skipped.Load(),
		Uncommitted: w.uncommitted.Load(),
		LastError:   lastErr,
	}
}

func (w *Worker) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	delay := w.config.RetryInitial
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		_, err := w.processBatch(ctx)
		if err == nil {
			delay = w.config.RetryInitial
			continue
		}
		if ctx.Err() != nil {
			return
		}

		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Dur("retry_delay", delay).
			Msg("Replay batch failed, records will be redelivered")

		if !w.sleep(stopCh, delay) {
			return
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) (BatchResult, error) {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, w.config.PollTimeout)
	records, err := w.config.Consumer.Poll(pollCtx, w.config.BatchSize)
	cancel()
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		// Records fetched before the error are pending on the consumer; drop them so they are redelivered
		w.fail(err)
		w.rewind(context.WithoutCancel(ctx))
		telemetry.ReplayBatchesTotal.With("failed").Inc()
		return BatchResult{Records: len(records)}, fmt.Errorf("failed to poll: %w", err)
	}

	if len(records) == 0 {
		telemetry.ReplayBatchesTotal.With("empty").Inc()
		return BatchResult{}, nil
	}

	result := BatchResult{Records: len(records)}
	w.uncommitted.Add(int64(len(records)))
	telemetry.ReplayRecordsTotal.Add(float64(len(records)))
	telemetry.ReplayBatchSize.Observe(float64(len(records)))

	events, skipped := decodeBatch(records, w.config.Codec)
	result.Skipped = skipped
	merged := Merge(events)
	result.Documents = merged.Count()

	// Apply and commit are not interrupted by Stop; only the poll is
	applyCtx := context.WithoutCancel(ctx)

	if err := w.apply(applyCtx, merged); err != nil {
		w.fail(err)
		w.rewind(applyCtx)
		telemetry.ReplayBatchesTotal.With("failed").Inc()
		return result, fmt.Errorf("failed to apply %d records: %w", len(records), err)
	}

	if err := w.config.Consumer.Commit(applyCtx); err != nil {
		// Already applied: redelivery re-applies the same document state
		w.fail(err)
		w.rewind(applyCtx)
		telemetry.ReplayBatchesTotal.With("failed").Inc()
		return result, fmt.Errorf("failed to commit offsets after apply: %w", err)
	}

	w.uncommitted.Store(0)
	seq := w.batches.Add(1)
	w.records.Add(uint64(len(records)))
	w.documents.Add(uint64(result.Documents))
	w.skipped.Add(uint64(skipped))
	telemetry.ReplayBatchesTotal.With("applied").Inc()

	if w.config.Hub != nil {
		for store, docs := range merged {
			w.config.Hub.Signal(notify.Signal{Store: store, Documents: len(docs), Batch: seq})
		}
	}

	log.Debug().
		Str("worker", w.config.Name).
		Int("records", result.Records).
		Int("skipped", skipped).
		Int("documents", result.Documents).
		Msg("Applied replay batch")

	return result, nil
}

// apply writes every merged mutation in one provider transaction
func (w *Worker) apply(ctx context.Context, merged index.Mutations) error {
	if len(merged) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		telemetry.ReplayApplyDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	tx, err := w.config.Provider.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}

	if err := w.config.Provider.Mutate(ctx, merged, w.config.Keys, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Warn().Err(rbErr).Str("worker", w.config.Name).Msg("Failed to roll back index transaction")
		}
		return fmt.Errorf("failed to apply merged mutations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, index.ErrTransactionClosed) {
			log.Warn().Err(rbErr).Str("worker", w.config.Name).Msg("Failed to roll back index transaction")
		}
		return fmt.Errorf("failed to commit index transaction: %w", err)
	}
	return nil
}

func (w *Worker) rewind(ctx context.Context) {
	if err := w.config.Consumer.Rewind(ctx); err != nil {
		log.Error().Err(err).Str("worker", w.config.Name).Msg("Failed to rewind consumer")
		return
	}
	w.uncommitted.Store(0)
}

func (w *Worker) fail(err error) {
	w.failures.Add(1)
	w.lastError.Store(err.Error())
}

// sleep waits for d; returns false if stopped first
func (w *Worker) sleep(stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}
