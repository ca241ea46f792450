package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*AgentConfig, error) {
	v := viper.New()

	def := DefaultAgentConfig()

	// Set defaults matching DefaultAgentConfig
	v.SetDefault("faculty.id", def.FacultyID)
	v.SetDefault("faculty.name", def.FacultyName)
	v.SetDefault("faculty.topic_namespace", def.TopicNamespace)

	v.SetDefault("beacon.mac", def.Beacon.MAC)
	v.SetDefault("beacon.rssi_threshold", def.Beacon.RSSIThreshold)
	v.SetDefault("beacon.scan_interval", "3s")
	v.SetDefault("beacon.scan_duration", "2s")
	v.SetDefault("beacon.debounce_count", def.Beacon.DebounceCount)
	v.SetDefault("beacon.absence_timeout", "30s")

	v.SetDefault("mqtt.broker_url", def.MQTT.BrokerURL)
	v.SetDefault("mqtt.client_id", def.MQTT.ClientID)
	v.SetDefault("mqtt.username", def.MQTT.Username)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.publish_timeout", "5s")

	v.SetDefault("queue.capacity_responses", def.Queue.CapacityResponses)
	v.SetDefault("queue.capacity_consultations", def.Queue.CapacityConsultations)
	v.SetDefault("queue.capacity_status_updates", def.Queue.CapacityStatusUpdates)
	v.SetDefault("queue.capacity_heartbeats", def.Queue.CapacityHeartbeats)
	v.SetDefault("queue.total_capacity", def.Queue.TotalCapacity)
	v.SetDefault("queue.max_retry_attempts", def.Queue.MaxRetryAttempts)
	v.SetDefault("queue.retry_backoff_base", "1s")
	v.SetDefault("queue.retry_backoff_max", "8s")
	v.SetDefault("queue.message_expiry", "5m")
	v.SetDefault("queue.expiry_sweep_interval", "1m")
	v.SetDefault("queue.starvation_window", def.Queue.StarvationWindow)

	v.SetDefault("store.database_url", def.DatabaseURL)
	v.SetDefault("store.min_write_interval", "5s")

	v.SetDefault("agent.tick_interval", "250ms")
	v.SetDefault("agent.health_check_interval", "10s")
	v.SetDefault("agent.heartbeat_interval", "5m")
	v.SetDefault("agent.offline_heartbeat_interval", "1m")
	v.SetDefault("agent.link_down_threshold", def.LinkDownThreshold)
	v.SetDefault("agent.link_up_threshold", def.LinkUpThreshold)
	v.SetDefault("agent.http_port", def.HTTPPort)

	// Bind environment variables with DESK_ prefix
	v.SetEnvPrefix("DESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Security check: reject secrets in config files
	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &AgentConfig{
		FacultyID:      v.GetInt("faculty.id"),
		FacultyName:    v.GetString("faculty.name"),
		TopicNamespace: v.GetString("faculty.topic_namespace"),
		Beacon: BeaconConfig{
			MAC:            v.GetString("beacon.mac"),
			RSSIThreshold:  v.GetInt("beacon.rssi_threshold"),
			ScanInterval:   v.GetDuration("beacon.scan_interval"),
			ScanDuration:   v.GetDuration("beacon.scan_duration"),
			DebounceCount:  v.GetInt("beacon.debounce_count"),
			AbsenceTimeout: v.GetDuration("beacon.absence_timeout"),
		},
		MQTT: MQTTConfig{
			BrokerURL:      v.GetString("mqtt.broker_url"),
			ClientID:       v.GetString("mqtt.client_id"),
			Username:       v.GetString("mqtt.username"),
			Password:       v.GetString("mqtt.password"), // env-only, see check above
			QoS:            byte(v.GetInt("mqtt.qos")),
			KeepAlive:      v.GetDuration("mqtt.keep_alive"),
			PublishTimeout: v.GetDuration("mqtt.publish_timeout"),
		},
		Queue: QueueConfig{
			CapacityResponses:     v.GetInt("queue.capacity_responses"),
			CapacityConsultations: v.GetInt("queue.capacity_consultations"),
			CapacityStatusUpdates: v.GetInt("queue.capacity_status_updates"),
			CapacityHeartbeats:    v.GetInt("queue.capacity_heartbeats"),
			TotalCapacity:         v.GetInt("queue.total_capacity"),
			MaxRetryAttempts:      v.GetInt("queue.max_retry_attempts"),
			RetryBackoffBase:      v.GetDuration("queue.retry_backoff_base"),
			RetryBackoffMax:       v.GetDuration("queue.retry_backoff_max"),
			MessageExpiry:         v.GetDuration("queue.message_expiry"),
			ExpirySweepInterval:   v.GetDuration("queue.expiry_sweep_interval"),
			StarvationWindow:      v.GetInt("queue.starvation_window"),
		},
		DatabaseURL:              v.GetString("store.database_url"),
		MinWriteInterval:         v.GetDuration("store.min_write_interval"),
		TickInterval:             v.GetDuration("agent.tick_interval"),
		HealthCheckInterval:      v.GetDuration("agent.health_check_interval"),
		HeartbeatInterval:        v.GetDuration("agent.heartbeat_interval"),
		OfflineHeartbeatInterval: v.GetDuration("agent.offline_heartbeat_interval"),
		LinkDownThreshold:        v.GetInt("agent.link_down_threshold"),
		LinkUpThreshold:          v.GetInt("agent.link_up_threshold"),
		HTTPPort:                 v.GetInt("agent.http_port"),
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = fmt.Sprintf("faculty_desk_unit_%d", cfg.FacultyID)
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateConfig checks identity, timing, and bound sanity before the agent
// starts. Configuration errors keep the unit from booting into a state it
// cannot recover from; the unconfigured beacon is the one deliberate
// exception and puts the detector into degraded mode instead.
func ValidateConfig(cfg *AgentConfig) error {
	if cfg.FacultyID <= 0 {
		return fmt.Errorf("faculty id must be positive, got %d", cfg.FacultyID)
	}
	if mac := cfg.Beacon.MAC; mac != "" && len(mac) != 17 {
		return fmt.Errorf("beacon mac must be 17 characters (AA:BB:CC:DD:EE:FF), got %q", mac)
	}
	if cfg.Beacon.RSSIThreshold > 0 || cfg.Beacon.RSSIThreshold < -120 {
		return fmt.Errorf("rssi threshold must be in [-120, 0], got %d", cfg.Beacon.RSSIThreshold)
	}
	if cfg.Beacon.ScanInterval <= 0 || cfg.Beacon.ScanDuration <= 0 {
		return fmt.Errorf("scan interval and duration must be positive")
	}
	if cfg.Beacon.ScanDuration > cfg.Beacon.ScanInterval {
		return fmt.Errorf("scan duration %v exceeds scan interval %v", cfg.Beacon.ScanDuration, cfg.Beacon.ScanInterval)
	}
	if cfg.Beacon.DebounceCount < 1 {
		return fmt.Errorf("debounce count must be at least 1, got %d", cfg.Beacon.DebounceCount)
	}
	if cfg.Beacon.AbsenceTimeout <= 0 {
		return fmt.Errorf("absence timeout must be positive, got %v", cfg.Beacon.AbsenceTimeout)
	}
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt broker url cannot be empty")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1, or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.PublishTimeout <= 0 {
		return fmt.Errorf("mqtt publish timeout must be positive, got %v", cfg.MQTT.PublishTimeout)
	}
	for name, c := range map[string]int{
		"capacity_responses":     cfg.Queue.CapacityResponses,
		"capacity_consultations": cfg.Queue.CapacityConsultations,
		"capacity_status_updates": cfg.Queue.CapacityStatusUpdates,
		"capacity_heartbeats":    cfg.Queue.CapacityHeartbeats,
	} {
		if c <= 0 {
			return fmt.Errorf("queue %s must be positive, got %d", name, c)
		}
	}
	if cfg.Queue.TotalCapacity <= 0 {
		return fmt.Errorf("queue total_capacity must be positive, got %d", cfg.Queue.TotalCapacity)
	}
	if cfg.Queue.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts cannot be negative, got %d", cfg.Queue.MaxRetryAttempts)
	}
	if cfg.Queue.RetryBackoffBase <= 0 || cfg.Queue.RetryBackoffMax < cfg.Queue.RetryBackoffBase {
		return fmt.Errorf("retry backoff bounds invalid: base=%v max=%v", cfg.Queue.RetryBackoffBase, cfg.Queue.RetryBackoffMax)
	}
	if cfg.Queue.StarvationWindow < 1 {
		return fmt.Errorf("starvation window must be at least 1, got %d", cfg.Queue.StarvationWindow)
	}
	if cfg.LinkDownThreshold < 1 || cfg.LinkUpThreshold < 1 {
		return fmt.Errorf("hysteresis thresholds must be at least 1")
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", cfg.TickInterval)
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", cfg.HTTPPort)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("mqtt.password") {
		return fmt.Errorf("MQTT password not allowed in config files (use DESK_MQTT_PASSWORD environment variable)")
	}
	if v.InConfig("hmac_secret") || v.InConfig("mqtt.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use DESK_HMAC_SECRET environment variable)")
	}
	return nil
}

// BeaconConfigured reports whether the beacon identity is usable.
// An empty or all-zero MAC means detection stays disabled.
func (c *AgentConfig) BeaconConfigured() bool {
	mac := strings.TrimSpace(c.Beacon.MAC)
	if mac == "" {
		return false
	}
	return strings.Trim(strings.ToUpper(mac), "0:") != ""
}

// Topic builds the hierarchical topic <namespace>/<faculty-id>/<channel>.
func (c *AgentConfig) Topic(channel string) string {
	return fmt.Sprintf("%s/%d/%s", c.TopicNamespace, c.FacultyID, channel)
}

// HeartbeatEvery returns the heartbeat cadence for the current connectivity.
func (c *AgentConfig) HeartbeatEvery(online bool) time.Duration {
	if online {
		return c.HeartbeatInterval
	}
	return c.OfflineHeartbeatInterval
}
