// Package config loads the kbot core's runtime tunables: rotation
// threshold, recent-conversation window, framing timeouts and supervisor
// backoff parameters. A JSON file at <configDir>/kbot/config.json holds
// persisted values, KBOT_* environment variables override them, and an RWMutex
// guards the in-memory copy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// RuntimeConfig holds every tunable consumed by the core components.
type RuntimeConfig struct {
	// session lifecycle
	RotationThreshold       float64       `json:"rotation_threshold"`
	RecentConversationWindow time.Duration `json:"recent_conversation_window"`

	// JSON-RPC framing
	DefaultRequestTimeout time.Duration `json:"default_request_timeout"`

	// session store / conversation store locking
	LockTimeout time.Duration `json:"lock_timeout"`

	// context usage tracking
	UsageDebounceInterval time.Duration `json:"usage_debounce_interval"`
	UsageProbeTimeout     time.Duration `json:"usage_probe_timeout"`

	// channel lifecycle
	HealthCheckInterval  time.Duration `json:"health_check_interval"`
	FailureThreshold     int           `json:"failure_threshold"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	DrainGracePeriod     time.Duration `json:"drain_grace_period"`
	SendMaxAttempts      int           `json:"send_max_attempts"`

	// stream coalescing / update batching
	CoalesceMinChars  int           `json:"coalesce_min_chars"`
	CoalesceIdle      time.Duration `json:"coalesce_idle"`
	BatcherQueueCap   int           `json:"batcher_queue_cap"`
	BatcherDebounce   time.Duration `json:"batcher_debounce"`
	BatcherTokens     int           `json:"batcher_tokens"`
	BatcherRefillRate time.Duration `json:"batcher_refill_rate"`

	// supervisor
	ShutdownTimeout    time.Duration `json:"shutdown_timeout"`
	MinRespawnBackoff  time.Duration `json:"min_respawn_backoff"`
	MaxRespawnBackoff  time.Duration `json:"max_respawn_backoff"`
	CheckpointRetention time.Duration `json:"checkpoint_retention"`

	// restart client
	RestartAckTimeout time.Duration `json:"restart_ack_timeout"`
	RestartMaxRetries int           `json:"restart_max_retries"`
}

// Default returns the out-of-the-box tunable values.
func Default() RuntimeConfig {
	return RuntimeConfig{
		RotationThreshold:        0.70,
		RecentConversationWindow: 30 * time.Minute,

		DefaultRequestTimeout: 30 * time.Second,

		LockTimeout: 5 * time.Second,

		UsageDebounceInterval: 30 * time.Second,
		UsageProbeTimeout:     10 * time.Second,

		HealthCheckInterval:  30 * time.Second,
		FailureThreshold:     3,
		MaxReconnectAttempts: 5,
		DrainGracePeriod:     10 * time.Second,
		SendMaxAttempts:      5,

		CoalesceMinChars:  200,
		CoalesceIdle:      400 * time.Millisecond,
		BatcherQueueCap:   50,
		BatcherDebounce:   200 * time.Millisecond,
		BatcherTokens:     5,
		BatcherRefillRate: time.Second,

		ShutdownTimeout:     30 * time.Second,
		MinRespawnBackoff:   500 * time.Millisecond,
		MaxRespawnBackoff:   30 * time.Second,
		CheckpointRetention: 24 * time.Hour,

		RestartAckTimeout: 10 * time.Second,
		RestartMaxRetries: 1,
	}
}

// Store is a JSON-file-backed, env-override-aware RuntimeConfig holder.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  RuntimeConfig
}

// NewStore loads configDir/kbot/config.json if present, falling back to
// Default(), then applies KBOT_* environment overrides.
func NewStore(configDir string) (*Store, error) {
	dir := filepath.Join(configDir, "kbot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	path := filepath.Join(dir, "config.json")
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if jerr := json.Unmarshal(data, &cfg); jerr != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, jerr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	return &Store{path: path, cfg: cfg}, nil
}

func applyEnvOverrides(cfg *RuntimeConfig) {
	if v := os.Getenv("KBOT_ROTATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RotationThreshold = f
		}
	}
	if v := os.Getenv("KBOT_RECENT_CONVERSATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RecentConversationWindow = d
		}
	}
	if v := os.Getenv("KBOT_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
}

// Get returns a copy of the current config.
func (s *Store) Get() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Save persists the current config to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Update replaces the in-memory config (callers typically mutate the
// result of Get() and pass it back).
func (s *Store) Update(cfg RuntimeConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
