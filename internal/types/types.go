// Package types provides domain models shared across desk unit components.
//
// Zero-dependency design: types.go and errors.go use only the standard
// library so every other package can depend on them without pulling in
// drivers or clients. ID utilities in ids.go import uuid but are isolated
// for selective inclusion.
package types

import "time"

// MessageID represents a UUIDv7 message identifier.
// String alias enables type safety while maintaining JSON string
// serialization. UUIDv7 time-ordering keeps sequential IDs clustered in
// B-tree indexes and sortable in diagnostics output.
type MessageID string

// MessageClass partitions queued messages by purpose. Priority is derived
// from class; see Priority.
type MessageClass int

const (
	ClassStatusUpdate MessageClass = iota
	ClassResponse
	ClassConsultationRelay
	ClassHeartbeat
)

// String returns the wire name of the class, used in topics and diagnostics.
func (c MessageClass) String() string {
	switch c {
	case ClassStatusUpdate:
		return "status_update"
	case ClassResponse:
		return "response"
	case ClassConsultationRelay:
		return "consultation_relay"
	case ClassHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Priority orders delivery across classes: Response > ConsultationRelay >
// StatusUpdate > Heartbeat. Higher value wins.
func (c MessageClass) Priority() int {
	switch c {
	case ClassResponse:
		return 4
	case ClassConsultationRelay:
		return 3
	case ClassStatusUpdate:
		return 2
	case ClassHeartbeat:
		return 1
	default:
		return 0
	}
}

// Classes lists all message classes in descending priority order.
func Classes() []MessageClass {
	return []MessageClass{ClassResponse, ClassConsultationRelay, ClassStatusUpdate, ClassHeartbeat}
}

// MessageStatus tracks a message through its delivery lifecycle.
// Delivered, Failed, and Expired are terminal; terminal messages are removed
// from queues, never retained.
type MessageStatus int

const (
	StatusPending MessageStatus = iota
	StatusInFlight
	StatusDelivered
	StatusFailed
	StatusExpired
)

// String returns the diagnostic name of the status.
func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends a message's lifecycle.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// Message is the unit of work queued for delivery to the broker.
// Timestamps are device-uptime durations (monotonic), not wall-clock times:
// wall time on the unit is display-only and never correctness-critical.
type Message struct {
	ID         MessageID
	Class      MessageClass
	Topic      string
	Payload    []byte
	Status     MessageStatus
	CreatedAt  time.Duration
	NextRetry  time.Duration
	ExpiresAt  time.Duration
	RetryCount int

	// Seq is the insertion sequence number, the FIFO tie-break within a
	// priority level. Assigned by the queue manager, persisted so ordering
	// survives reboot.
	Seq uint64
}

// PresenceStatus is the debounced presence state of the configured beacon.
// Unknown only occurs before the first completed scan cycle.
type PresenceStatus int

const (
	PresenceUnknown PresenceStatus = iota
	PresencePresent
	PresenceAbsent
)

// String returns the wire name published on the status topic.
func (p PresenceStatus) String() string {
	switch p {
	case PresencePresent:
		return "present"
	case PresenceAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// LinkState models one tracked connectivity layer as up or down.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
)

func (l LinkState) String() string {
	if l == LinkUp {
		return "up"
	}
	return "down"
}

// Resource limits enforced by the queue manager to bound memory and
// persistent footprint on the unit.
const (
	// MaxPayloadSize caps the serialized message body. Mirrors the unit's
	// fixed JSON construction buffer; larger bodies indicate a bug upstream.
	MaxPayloadSize = 1024

	// MaxTopicLength bounds topic strings persisted alongside payloads.
	MaxTopicLength = 128

	// MaxRetryAttempts bounds redelivery of a single message. Exceeding it
	// transitions the message to Failed and frees its slot.
	MaxRetryAttempts = 3
)
