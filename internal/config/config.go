package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all bridge configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Identity
	NodeID        string `env:"ATLAS_NODE_ID"`
	GatewayNodeID string `env:"ATLAS_GATEWAY_NODE_ID"`

	// Radio
	Simulate  bool   `env:"ATLAS_SIMULATE" envDefault:"false"`
	RadioPort string `env:"ATLAS_RADIO_PORT" envDefault:"/dev/ttyUSB0"`
	RadioBaud int    `env:"ATLAS_RADIO_BAUD" envDefault:"115200"`

	// Chunking
	SegmentSize int `env:"ATLAS_SEGMENT_SIZE" envDefault:"210"`

	// Reliability
	ReliabilityMethod   string        `env:"ATLAS_RELIABILITY_METHOD" envDefault:"window"`
	NackMaxPerSeq       int           `env:"ATLAS_NACK_MAX_PER_SEQ" envDefault:"3"`
	NackInterval        time.Duration `env:"ATLAS_NACK_INTERVAL" envDefault:"1s"`
	ChunkDelayThreshold int           `env:"ATLAS_CHUNK_DELAY_THRESHOLD" envDefault:"0"`
	ChunkDelay          time.Duration `env:"ATLAS_CHUNK_DELAY" envDefault:"0s"`

	// Timeouts
	Timeout             time.Duration `env:"ATLAS_TIMEOUT" envDefault:"90s"`
	PostResponseTimeout time.Duration `env:"ATLAS_POST_RESPONSE_TIMEOUT" envDefault:"150s"`
	PostResponseQuiet   time.Duration `env:"ATLAS_POST_RESPONSE_QUIET" envDefault:"10s"`

	// Outbox
	Retries    int    `env:"ATLAS_RETRIES" envDefault:"2"`
	SpoolPath  string `env:"ATLAS_SPOOL_PATH" envDefault:"outbox.json"`
	ClearSpool bool   `env:"ATLAS_CLEAR_SPOOL" envDefault:"false"`

	// Gateway
	DedupeTTL    time.Duration `env:"ATLAS_DEDUPE_TTL" envDefault:"1h"`
	PollInterval time.Duration `env:"ATLAS_POLL_INTERVAL" envDefault:"2s"`
	APIBaseURL   string        `env:"ATLAS_API_URL" envDefault:"http://localhost:8080"`
	APIToken     string        `env:"ATLAS_API_TOKEN"`
	MetricsAddr  string        `env:"ATLAS_METRICS_ADDR" envDefault:":9190"`

	// Monitoring
	MetricsInterval time.Duration `env:"ATLAS_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env file is optional; production deployments set real environment
	// variables, the file is a development convenience.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("ATLAS_NODE_ID is required")
	}

	if c.SegmentSize < 1 || c.SegmentSize > 230 {
		return fmt.Errorf("ATLAS_SEGMENT_SIZE must be 1-230, got %d", c.SegmentSize)
	}
	if c.NackMaxPerSeq < 1 {
		return fmt.Errorf("ATLAS_NACK_MAX_PER_SEQ must be > 0, got %d", c.NackMaxPerSeq)
	}
	if c.Retries < 0 {
		return fmt.Errorf("ATLAS_RETRIES must be >= 0, got %d", c.Retries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("ATLAS_TIMEOUT must be positive, got %s", c.Timeout)
	}
	if c.PostResponseTimeout < c.Timeout {
		return fmt.Errorf("ATLAS_POST_RESPONSE_TIMEOUT (%s) must be >= ATLAS_TIMEOUT (%s)",
			c.PostResponseTimeout, c.Timeout)
	}
	if c.SpoolPath == "" {
		return fmt.Errorf("ATLAS_SPOOL_PATH is required")
	}

	// Enum checks
	validMethods := map[string]bool{"simple": true, "stage": true, "window": true, "window_fec": true}
	if !validMethods[c.ReliabilityMethod] {
		return fmt.Errorf("ATLAS_RELIABILITY_METHOD must be one of: simple, stage, window, window_fec (got: %s)", c.ReliabilityMethod)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Bridge Configuration ===")
	fmt.Printf("Node ID:         %s\n", c.NodeID)
	fmt.Printf("Gateway Node:    %s\n", c.GatewayNodeID)
	fmt.Printf("Radio:           %s (simulate=%v)\n", c.RadioPort, c.Simulate)
	fmt.Println("\n=== Transport ===")
	fmt.Printf("Segment Size:    %d bytes\n", c.SegmentSize)
	fmt.Printf("Reliability:     %s\n", c.ReliabilityMethod)
	fmt.Printf("NACK Limits:     %d/seq, %s interval\n", c.NackMaxPerSeq, c.NackInterval)
	fmt.Printf("Timeouts:        %s progress, %s absolute\n", c.Timeout, c.PostResponseTimeout)
	fmt.Println("\n=== Outbox ===")
	fmt.Printf("Spool Path:      %s\n", c.SpoolPath)
	fmt.Printf("Retries:         %d\n", c.Retries)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("node_id", c.NodeID).
		Str("gateway_node_id", c.GatewayNodeID).
		Bool("simulate", c.Simulate).
		Str("radio_port", c.RadioPort).
		Int("segment_size", c.SegmentSize).
		Str("reliability_method", c.ReliabilityMethod).
		Int("nack_max_per_seq", c.NackMaxPerSeq).
		Dur("nack_interval", c.NackInterval).
		Dur("timeout", c.Timeout).
		Dur("post_response_timeout", c.PostResponseTimeout).
		Int("retries", c.Retries).
		Str("spool_path", c.SpoolPath).
		Dur("dedupe_ttl", c.DedupeTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Bridge configuration loaded")
}
