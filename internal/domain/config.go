package domain

import "time"

// Config holds the complete Kestrel configuration.
// It is built once at startup and handed to each component's constructor.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `koanf:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus"`
	Scoring    ScoringConfig    `koanf:"scoring"`
	TextSignal TextSignalConfig `koanf:"textsignal"`
	Training   TrainingConfig   `koanf:"training"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	ReadTimeout    int    `koanf:"read_timeout"`  // seconds
	WriteTimeout   int    `koanf:"write_timeout"` // seconds
	MaxUploadBytes int64  `koanf:"max_upload_bytes"`
}

// ScoringConfig holds risk tier boundaries and explanation settings.
// LOW is [0, MediumFrom), MEDIUM is [MediumFrom, HighFrom), HIGH is [HighFrom, 100].
type ScoringConfig struct {
	MediumFrom            float64 `koanf:"medium_from"`
	HighFrom              float64 `koanf:"high_from"`
	SignificanceThreshold float64 `koanf:"significance_threshold"`
	BatchConcurrency      int     `koanf:"batch_concurrency"`
}

// TextSignalConfig selects and bounds the opaque text scorer.
type TextSignalConfig struct {
	// Provider is "lexicon", "http" or "none"
	Provider string `koanf:"provider"`

	// Lexicon model file (JSON)
	LexiconPath string `koanf:"lexicon_path"`

	// HTTP inference endpoint
	Endpoint      string `koanf:"endpoint"`
	APIToken      string `koanf:"api_token"`
	PositiveLabel string `koanf:"positive_label"`

	Timeout time.Duration `koanf:"timeout"`
}

// TrainingConfig holds optimizer settings for the online updater.
type TrainingConfig struct {
	Iterations   int     `koanf:"iterations"`
	LearningRate float64 `koanf:"learning_rate"`
	L2           float64 `koanf:"l2"`

	// AsyncWorker subscribes to training requests on the event bus
	AsyncWorker bool `koanf:"async_worker"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on a local file store with in-process cache and bus
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			MaxUploadBytes: 64 << 20,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "file",
			ModelPath:  "./models",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalTTL:      5 * time.Minute,
			BlobTTL:       time.Hour,
			TextSignalTTL: 24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			MediumFrom:            33,
			HighFrom:              67,
			SignificanceThreshold: 0.1,
			BatchConcurrency:      8,
		},
		TextSignal: TextSignalConfig{
			Provider:      "none",
			PositiveLabel: "negative",
			Timeout:       2 * time.Second,
		},
		Training: TrainingConfig{
			Iterations:   500,
			LearningRate: 0.1,
			L2:           0.001,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository.Driver = "postgres"
	cfg.Repository.PostgresHost = "localhost"
	cfg.Repository.PostgresPort = 5432
	cfg.Repository.PostgresDB = "kestrel"
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.EnableTwoPhase = true
	cfg.Cache.LocalMaxSize = 1000
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Training.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
