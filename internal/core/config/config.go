// Package config provides configuration management for the desk unit agent.
//
// Everything is loaded once at boot; runtime changes require restart. The
// tunables mirror the unit's provisioning sheet: beacon identity and scan
// timings, queue capacities, retry/backoff bounds, broker settings.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// BeaconConfig identifies the faculty member's proximity beacon and the
// scan cadence used to detect it.
type BeaconConfig struct {
	// MAC is the beacon's radio address, "AA:BB:CC:DD:EE:FF". Empty or
	// all-zero disables detection and flags the unit as unconfigured.
	MAC            string
	RSSIThreshold  int
	ScanInterval   time.Duration
	ScanDuration   time.Duration
	DebounceCount  int
	AbsenceTimeout time.Duration
}

// MQTTConfig holds broker connection settings. The password is environment-
// only (DESK_MQTT_PASSWORD) and rejected from config files.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	PublishTimeout time.Duration
}

// QueueConfig bounds the per-class backlog and its retry behavior.
type QueueConfig struct {
	CapacityResponses     int
	CapacityConsultations int
	CapacityStatusUpdates int
	CapacityHeartbeats    int
	// TotalCapacity bounds the persisted footprint across all classes;
	// reaching it triggers lowest-priority-first eviction.
	TotalCapacity       int
	MaxRetryAttempts    int
	RetryBackoffBase    time.Duration
	RetryBackoffMax     time.Duration
	MessageExpiry       time.Duration
	ExpirySweepInterval time.Duration
	// StarvationWindow is the number of consecutive higher-priority picks
	// after which the oldest lower-priority eligible message is offered.
	StarvationWindow int
}

// AgentConfig is the root configuration for the desk unit agent.
type AgentConfig struct {
	FacultyID      int
	FacultyName    string
	TopicNamespace string

	Beacon BeaconConfig
	MQTT   MQTTConfig
	Queue  QueueConfig

	DatabaseURL string
	// MinWriteInterval debounces retry-state persistence writes to bound
	// write volume on the storage medium.
	MinWriteInterval time.Duration

	TickInterval             time.Duration
	HealthCheckInterval      time.Duration
	HeartbeatInterval        time.Duration
	OfflineHeartbeatInterval time.Duration
	LinkDownThreshold        int
	LinkUpThreshold          int

	HTTPPort int
}

// DefaultAgentConfig returns configuration with default values matching the
// reference deployment.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		FacultyID:      1,
		FacultyName:    "",
		TopicNamespace: "consultease/faculty",
		Beacon: BeaconConfig{
			MAC:            "",
			RSSIThreshold:  -80,
			ScanInterval:   3 * time.Second,
			ScanDuration:   2 * time.Second,
			DebounceCount:  2,
			AbsenceTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "",
			Username:       "",
			QoS:            1,
			KeepAlive:      60 * time.Second,
			PublishTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			CapacityResponses:     10,
			CapacityConsultations: 20,
			CapacityStatusUpdates: 15,
			CapacityHeartbeats:    5,
			TotalCapacity:         40,
			MaxRetryAttempts:      3,
			RetryBackoffBase:      1 * time.Second,
			RetryBackoffMax:       8 * time.Second,
			MessageExpiry:         5 * time.Minute,
			ExpirySweepInterval:   1 * time.Minute,
			StarvationWindow:      8,
		},
		DatabaseURL:              "sqlite://./data/deskunit.db",
		MinWriteInterval:         5 * time.Second,
		TickInterval:             250 * time.Millisecond,
		HealthCheckInterval:      10 * time.Second,
		HeartbeatInterval:        5 * time.Minute,
		OfflineHeartbeatInterval: 1 * time.Minute,
		LinkDownThreshold:        3,
		LinkUpThreshold:          2,
		HTTPPort:                 8770,
	}
}

// HMACSecrets extracts payload signing secrets from environment variables.
// Supports DESK_HMAC_SECRET (single) and DESK_HMAC_SECRET_N (rotation).
// Returns map of key_id -> decoded secret bytes.
// Key IDs are UUIDv7 (32 hex chars without hyphens).
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Check single secret DESK_HMAC_SECRET
	// Format: <key_id>:<base64_secret>
	if val := os.Getenv("DESK_HMAC_SECRET"); val != "" {
		keyID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("DESK_HMAC_SECRET: %w", err)
		}
		secrets[keyID] = decoded
	}

	// Check numbered secrets DESK_HMAC_SECRET_1, DESK_HMAC_SECRET_2, etc.
	// Multiple secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("DESK_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		keyID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[keyID]; exists {
			return nil, fmt.Errorf("duplicate key_id '%s' found in environment variables (check DESK_HMAC_SECRET and DESK_HMAC_SECRET_* for conflicts)", keyID)
		}
		secrets[keyID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecretWithID parses key_id:base64_secret format.
// Key ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (keyID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <key_id>:<base64_secret>")
	}

	keyID = parts[0]
	if len(keyID) != 32 {
		return "", nil, fmt.Errorf("key_id must be 32 hex chars (UUIDv7 without hyphens)")
	}

	for _, c := range keyID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("key_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}

	return keyID, secret, nil
}
