package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for broker acknowledgment round trips
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// ApplyBuckets for index transactions applied by the replay worker
	ApplyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// BatchSizeBuckets for records per polled batch
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500}
)

// Capture Metrics
var (
	// EventsCapturedTotal counts events built at commit by store
	EventsCapturedTotal CounterVec = noopCounterVec{}

	// EventsPublishedTotal counts sends by result (success, temporary, permanent)
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures send-to-ack latency
	PublishDurationSeconds Histogram = NoopStat{}

	// CaptureCommitsTotal counts capture transaction commits by result
	// (success, publish_failed, inconsistent, rolled_back)
	CaptureCommitsTotal CounterVec = noopCounterVec{}
)

// Replay Metrics
var (
	// ReplayBatchesTotal counts polled batches by result (applied, failed, empty)
	ReplayBatchesTotal CounterVec = noopCounterVec{}

	// ReplayRecordsTotal counts consumed records
	ReplayRecordsTotal Counter = NoopStat{}

	// ReplayBatchSize measures records per non-empty batch
	ReplayBatchSize Histogram = NoopStat{}

	// ReplayDecodeFailuresTotal counts records skipped because they could not be decoded
	ReplayDecodeFailuresTotal Counter = NoopStat{}

	// ReplayApplyDurationSeconds measures index apply latency per batch
	ReplayApplyDurationSeconds Histogram = NoopStat{}

	// ReplayWorkerRunning is 1 while the replay worker loop runs
	ReplayWorkerRunning Gauge = NoopStat{}

	// ReplayLagRecords tracks records consumed but not yet committed
	ReplayLagRecords Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EventsCapturedTotal = NewCounterVec(
		"events_captured_total",
		"Mutation events built at commit by store",
		[]string{"store"},
	)
	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Event sends by result",
		[]string{"result"},
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"Time from send to broker acknowledgment in seconds",
		PublishBuckets,
	)
	CaptureCommitsTotal = NewCounterVec(
		"capture_commits_total",
		"Capture transaction commits by result",
		[]string{"result"},
	)

	ReplayBatchesTotal = NewCounterVec(
		"replay_batches_total",
		"Replay batches by result",
		[]string{"result"},
	)
	ReplayRecordsTotal = NewCounter(
		"replay_records_total",
		"Records consumed by the replay worker",
	)
	ReplayBatchSize = NewHistogramWithBuckets(
		"replay_batch_size",
		"Records per polled batch",
		BatchSizeBuckets,
	)
	ReplayDecodeFailuresTotal = NewCounter(
		"replay_decode_failures_total",
		"Records skipped because they could not be decoded",
	)
	ReplayApplyDurationSeconds = NewHistogramWithBuckets(
		"replay_apply_duration_seconds",
		"Index apply duration per batch in seconds",
		ApplyBuckets,
	)
	ReplayWorkerRunning = NewGauge(
		"replay_worker_running",
		"1 while the replay worker is running",
	)
	ReplayLagRecords = NewGauge(
		"replay_lag_records",
		"Records consumed but not yet committed",
	)
}
