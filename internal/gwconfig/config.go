// Package gwconfig loads and validates the gateway's runtime
// configuration from file, environment, and documented defaults, per
// spec.md §6. Grounded on marmos91-dnfs's pkg/config (viper for layered
// loading, go-playground/validator/v10 struct-tag validation, mapstructure
// field tags).
package gwconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete gateway configuration, mirroring spec.md §6's
// external interface block.
type Config struct {
	Listen  ListenConfig  `mapstructure:"listen"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	IPLimit IPLimitConfig `mapstructure:"ip_limit"`
	MessageLimits map[string]MessageLimitConfig `mapstructure:"message_limits"`
	Log     LogConfig     `mapstructure:"log"`
	Control ControlConfig `mapstructure:"control"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
}

// ListenConfig is the data-port bind address and idle timeout.
type ListenConfig struct {
	Addr        string        `mapstructure:"addr" validate:"required"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
}

// LimitsConfig mirrors spec.md §6's `limits` block.
type LimitsConfig struct {
	MaxInflight        int `mapstructure:"max_inflight" validate:"gte=0"`
	MaxSendBufferBytes int `mapstructure:"max_send_buffer_bytes" validate:"gte=0"`
}

// BackpressureConfig mirrors spec.md §6's `backpressure` block.
type BackpressureConfig struct {
	RejectLowPriority   bool     `mapstructure:"reject_low_priority"`
	LowPriorityMsgTypes []int    `mapstructure:"low_priority_msg_types"`
	AlwaysAllowMsgTypes []int    `mapstructure:"always_allow_msg_types"`
	SendErrorFrame      bool     `mapstructure:"send_error_frame"`
	ErrorMsgType        int      `mapstructure:"error_msg_type"`
	ErrorBody           string   `mapstructure:"error_body"`
	Threshold           int64    `mapstructure:"threshold"`
}

// IPLimitConfig mirrors spec.md §6's `ipLimit` block.
type IPLimitConfig struct {
	MaxConnPerIP int             `mapstructure:"max_conn_per_ip" validate:"gte=0"`
	MaxQPSPerIP  int             `mapstructure:"max_qps_per_ip" validate:"gte=0"`
	Whitelist    []string        `mapstructure:"whitelist"`
	StateTTL     time.Duration   `mapstructure:"state_ttl" validate:"gt=0"`
}

// MessageLimitConfig mirrors one entry of spec.md §6's `messageLimits` map.
type MessageLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxQPS        int  `mapstructure:"max_qps" validate:"gte=0"`
	MaxConcurrent int  `mapstructure:"max_concurrent" validate:"gte=0"`
}

// LogConfig mirrors spec.md §6's `log` block.
type LogConfig struct {
	Level           string           `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	AsyncQueueSize  int              `mapstructure:"async_queue_size" validate:"gte=0"`
	FlushIntervalMs int              `mapstructure:"flush_interval_ms" validate:"gte=0"`
	Console         ConsoleLogConfig `mapstructure:"console"`
	File            FileLogConfig    `mapstructure:"file"`
}

// ConsoleLogConfig toggles the stderr logging sink.
type ConsoleLogConfig struct {
	Enable bool `mapstructure:"enable"`
}

// FileLogConfig toggles and configures the rotating file logging sink.
type FileLogConfig struct {
	Enable    bool   `mapstructure:"enable"`
	BaseName  string `mapstructure:"base_name"`
	MaxSizeMB int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxFiles  int    `mapstructure:"max_files" validate:"gte=0"`
}

// ControlConfig configures the control-plane HTTP responder.
type ControlConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// WorkerPoolConfig mirrors spec.md §4.7's tunables.
type WorkerPoolConfig struct {
	MaxQueueSize  int `mapstructure:"max_queue_size" validate:"gte=0"`
	MinThreads    int `mapstructure:"min_threads" validate:"gte=0"`
	MaxThreads    int `mapstructure:"max_threads" validate:"gte=0"`
	Autoscale     bool `mapstructure:"autoscale"`
	HighWatermark int `mapstructure:"high_watermark" validate:"gte=0"`
	LowWatermark  int `mapstructure:"low_watermark" validate:"gte=0"`
	UpThreshold   int `mapstructure:"up_threshold" validate:"gte=0"`
	DownThreshold int `mapstructure:"down_threshold" validate:"gte=0"`
}

var validate = validator.New()

// Load reads configuration from configPath (if non-empty), overlays
// GATEWAY_-prefixed environment variables, applies documented defaults for
// anything left unset, and validates the result. Per spec.md §7's
// Configuration error kind, an invalid config file falls back to defaults
// with a warning rather than aborting startup; only a still-invalid result
// after defaults is a hard error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "gwconfig: warning: cannot use config file %q: %v; falling back to defaults\n", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("gwconfig: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg, v)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("gwconfig: validation failed: %w", err)
	}
	return &cfg, nil
}
