package cfg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrInvalidConfiguration marks configuration problems that must stop startup
var ErrInvalidConfiguration = errors.New("invalid configuration")

// CaptureMode controls whether captured index mutations are also written synchronously
type CaptureMode string

const (
	ModeSkip    CaptureMode = "skip"     // Capture only, no synchronous index write
	ModeDual    CaptureMode = "dual"     // Synchronous index write and capture
	ModeCDCOnly CaptureMode = "cdc-only" // Currently behaves exactly like ModeSkip
)

// ParseCaptureMode parses a mode name case-insensitively.
// Empty input yields ModeDual; unknown input is logged and also yields ModeDual.
func ParseCaptureMode(value string) CaptureMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return ModeDual
	case "skip":
		return ModeSkip
	case "dual":
		return ModeDual
	case "cdc-only", "cdc_only":
		return ModeCDCOnly
	default:
		log.Warn().
			Str("mode", value).
			Str("fallback", string(ModeDual)).
			Msg("Unrecognized CDC mode, falling back to default")
		return ModeDual
	}
}

// UnmarshalText lets TOML decode the mode through ParseCaptureMode
func (m *CaptureMode) UnmarshalText(text []byte) error {
	*m = ParseCaptureMode(string(text))
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (m CaptureMode) MarshalText() ([]byte, error) {
	return []byte(m.Normalize()), nil
}

// Normalize maps the zero value to the default mode
func (m CaptureMode) Normalize() CaptureMode {
	if m == "" {
		return ModeDual
	}
	return m
}

// WritesSynchronously reports whether captured calls are forwarded to the base transaction
func (m CaptureMode) WritesSynchronously() bool {
	switch m.Normalize() {
	case ModeSkip, ModeCDCOnly:
		return false
	default:
		return true
	}
}

func (m CaptureMode) String() string {
	return string(m.Normalize())
}

// ProducerConfiguration controls the publish path
type ProducerConfiguration struct {
	SendTimeoutMS int    `toml:"send_timeout_ms"` // Max wait for a broker acknowledgment
	MaxAttempts   int    `toml:"max_attempts"`    // Bounded retries inside the broker client
	Idempotent    bool   `toml:"idempotent"`      // Ask the broker to de-duplicate producer retries
	ClientID      string `toml:"client_id"`       // Empty = derived from machine id
}

// ConsumerConfiguration controls the replay worker
type ConsumerConfiguration struct {
	Enabled         bool    `toml:"enabled"`
	GroupID         string  `toml:"group_id"`
	BatchSize       int     `toml:"batch_size"`      // Max records per poll
	PollTimeoutMS   int     `toml:"poll_timeout_ms"` // Max wait per poll
	StopTimeoutMS   int     `toml:"stop_timeout_ms"` // Max wait when joining the worker
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// CaptureConfiguration is the [cdc] section
type CaptureConfiguration struct {
	Enabled          bool        `toml:"enabled"`
	Mode             CaptureMode `toml:"mode"`
	BootstrapServers string      `toml:"bootstrap_servers"` // Comma separated broker addresses
	Topic            string      `toml:"topic"`
	Broker           string      `toml:"broker"` // "kafka", "nats" or "memory"
	Format           string      `toml:"format"` // "json" or "msgpack"
	Stores           []string    `toml:"stores"` // Glob patterns of captured stores, empty = all

	Producer ProducerConfiguration `toml:"producer"`
	Consumer ConsumerConfiguration `toml:"consumer"`
}

// Brokers splits BootstrapServers into individual addresses
func (c CaptureConfiguration) Brokers() []string {
	parts := strings.Split(c.BootstrapServers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// ValidateCapture checks the capture settings. Nothing is checked while capture is disabled.
func ValidateCapture(c CaptureConfiguration) error {
	if !c.Enabled {
		return nil
	}

	if len(c.Brokers()) == 0 {
		return fmt.Errorf("%w: cdc.bootstrap_servers is required when cdc is enabled", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("%w: cdc.topic is required when cdc is enabled", ErrInvalidConfiguration)
	}

	switch c.Format {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("%w: unknown cdc.format %q", ErrInvalidConfiguration, c.Format)
	}

	if c.Producer.SendTimeoutMS < 0 || c.Producer.MaxAttempts < 0 {
		return fmt.Errorf("%w: cdc.producer timeouts and attempts must be >= 0", ErrInvalidConfiguration)
	}
	if c.Consumer.BatchSize < 0 || c.Consumer.PollTimeoutMS < 0 || c.Consumer.StopTimeoutMS < 0 {
		return fmt.Errorf("%w: cdc.consumer sizes and timeouts must be >= 0", ErrInvalidConfiguration)
	}

	if c.Mode.Normalize() == ModeCDCOnly {
		log.Info().Msg("CDC mode cdc-only currently behaves like skip")
	}

	return nil
}
