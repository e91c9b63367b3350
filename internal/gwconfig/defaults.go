package gwconfig

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ApplyDefaults fills any zero-valued fields with spec.md §6's documented
// defaults. Called after unmarshalling and before validation, per
// spec.md §7's Configuration error kind ("invalid values fall back to
// documented defaults"). v is the same viper instance Load unmarshalled
// cfg from, consulted for the handful of defaults (like sendErrorFrame)
// whose documented zero value is `true`, where a bare zero-value check
// can't distinguish "unset" from "explicitly false".
func ApplyDefaults(cfg *Config, v *viper.Viper) {
	applyListenDefaults(&cfg.Listen)
	applyLimitsDefaults(&cfg.Limits)
	applyBackpressureDefaults(&cfg.Backpressure, v.IsSet("backpressure.send_error_frame"))
	applyIPLimitDefaults(&cfg.IPLimit)
	applyLogDefaults(&cfg.Log, v.IsSet("log.console.enable"))
	applyControlDefaults(&cfg.Control)
	applyWorkerPoolDefaults(&cfg.WorkerPool)

	if cfg.MessageLimits == nil {
		cfg.MessageLimits = map[string]MessageLimitConfig{}
	}
}

func applyListenDefaults(cfg *ListenConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9000"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
}

func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = 10000
	}
	if cfg.MaxSendBufferBytes == 0 {
		cfg.MaxSendBufferBytes = 4 << 20
	}
}

func applyBackpressureDefaults(cfg *BackpressureConfig, sendErrorFrameSet bool) {
	if cfg.ErrorMsgType == 0 {
		cfg.ErrorMsgType = 0xFFFF
	}
	if cfg.ErrorBody == "" {
		cfg.ErrorBody = "backpressure"
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 100
	}
	// sendErrorFrame defaults to true per spec.md §6. A plain zero-value
	// check can't tell an explicit `false` apart from an unset field, so
	// the caller passes whether viper actually saw the key; only apply the
	// default when it didn't, or an explicit `false` would be overwritten
	// on every load.
	if !sendErrorFrameSet {
		cfg.SendErrorFrame = true
	}
	if cfg.LowPriorityMsgTypes == nil {
		cfg.LowPriorityMsgTypes = []int{}
	}
	if cfg.AlwaysAllowMsgTypes == nil {
		cfg.AlwaysAllowMsgTypes = []int{}
	}
}

func applyIPLimitDefaults(cfg *IPLimitConfig) {
	if cfg.StateTTL == 0 {
		cfg.StateTTL = 300 * time.Second
	}
	if cfg.Whitelist == nil {
		cfg.Whitelist = []string{}
	}
}

func applyLogDefaults(cfg *LogConfig, consoleEnableSet bool) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)

	if cfg.AsyncQueueSize == 0 {
		cfg.AsyncQueueSize = 1024
	}
	if cfg.FlushIntervalMs == 0 {
		cfg.FlushIntervalMs = 30000
	}
	// console.enable defaults to true; see the sendErrorFrame default above
	// for why this needs the caller's viper.IsSet result rather than a
	// zero-value check.
	if !consoleEnableSet {
		cfg.Console.Enable = true
	}
	if cfg.File.Enable {
		if cfg.File.BaseName == "" {
			cfg.File.BaseName = "gateway.log"
		}
		if cfg.File.MaxSizeMB == 0 {
			cfg.File.MaxSizeMB = 100
		}
		if cfg.File.MaxFiles == 0 {
			cfg.File.MaxFiles = 5
		}
	}
}

func applyControlDefaults(cfg *ControlConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9100"
	}
}

func applyWorkerPoolDefaults(cfg *WorkerPoolConfig) {
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.MaxThreads == 0 {
		cfg.MaxThreads = 64
	}
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = cfg.MaxQueueSize / 2
	}
	if cfg.UpThreshold == 0 {
		cfg.UpThreshold = 3
	}
	if cfg.DownThreshold == 0 {
		cfg.DownThreshold = 3
	}
}
