package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// IndexConfiguration selects the index backend the replay worker applies to
type IndexConfiguration struct {
	Backend      string `toml:"backend"`        // "pebble" or "memory"
	KeyCacheSize int    `toml:"key_cache_size"` // Cached key-information entries
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration controls the admin HTTP endpoint
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Required on /cdc and /index routes when set
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	CDC        CaptureConfiguration    `toml:"cdc"`
	Index      IndexConfiguration      `toml:"index"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag       = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag          = flag.String("data-dir", "", "Data directory (overrides config)")
	ModeFlag             = flag.String("mode", "", "CDC mode: skip, dual or cdc-only (overrides config)")
	TopicFlag            = flag.String("topic", "", "CDC topic (overrides config)")
	BootstrapServersFlag = flag.String("bootstrap-servers", "", "Comma separated broker addresses (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./indexsync-data",

	CDC: CaptureConfiguration{
		Enabled: false,
		Mode:    ModeDual,
		Broker:  "kafka",
		Format:  "json",
		Producer: ProducerConfiguration{
			SendTimeoutMS: 30000, // 30 second acknowledgment bound
			MaxAttempts:   3,
			Idempotent:    true,
		},
		Consumer: ConsumerConfiguration{
			Enabled:         false,
			BatchSize:       100,
			PollTimeoutMS:   1000,
			StopTimeoutMS:   10000,
			RetryInitialMS:  100,
			RetryMaxMS:      30000,
			RetryMultiplier: 2.0,
		},
	},

	Index: IndexConfiguration{
		Backend:      "pebble",
		KeyCacheSize: 1024,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ModeFlag != "" {
		Config.CDC.Mode = ParseCaptureMode(*ModeFlag)
	}
	if *TopicFlag != "" {
		Config.CDC.Topic = *TopicFlag
	}
	if *BootstrapServersFlag != "" {
		Config.CDC.BootstrapServers = *BootstrapServersFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if Config.CDC.Producer.ClientID == "" {
		Config.CDC.Producer.ClientID = "indexsync-" + strconv.FormatUint(Config.InstanceID, 16)
	}
	if Config.CDC.Consumer.GroupID == "" {
		Config.CDC.Consumer.GroupID = "indexsync-replay"
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("indexsync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if err := ValidateCapture(Config.CDC); err != nil {
		return err
	}

	switch Config.Index.Backend {
	case "pebble", "memory":
	default:
		return fmt.Errorf("%w: unknown index backend %q", ErrInvalidConfiguration, Config.Index.Backend)
	}

	if Config.Index.KeyCacheSize < 1 {
		return fmt.Errorf("%w: index key cache size must be >= 1", ErrInvalidConfiguration)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("%w: invalid admin port: %d", ErrInvalidConfiguration, Config.Admin.Port)
	}

	return nil
}

// GetIndexPath returns the directory of the pebble index backend
func GetIndexPath() string {
	return path.Join(Config.DataDir, "index")
}
