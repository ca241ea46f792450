package types

import "errors"

// Sentinel errors for desk unit operations. None of these are fatal to the
// device; callers degrade and keep the control loop running.
var (
	// ErrQueueFull indicates the class queue is at capacity and no
	// lower-priority victim was available to evict.
	ErrQueueFull = errors.New("queue full")

	// ErrPayloadTooLarge indicates the message body exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrTopicTooLong indicates the topic exceeds MaxTopicLength.
	ErrTopicTooLong = errors.New("topic exceeds maximum length")

	// ErrDuplicateID indicates a message with the same ID is already queued.
	// Seeing it means a caller re-enqueued an existing message.
	ErrDuplicateID = errors.New("duplicate message id")

	// ErrMessageNotFound indicates the referenced message is not queued.
	ErrMessageNotFound = errors.New("message not found")

	// ErrBeaconUnconfigured indicates the beacon identity is empty or
	// all-zero. The detector runs degraded rather than reporting presence.
	ErrBeaconUnconfigured = errors.New("beacon identity not configured")

	// ErrScanInProgress indicates a scan cycle was started while a previous
	// cycle is still running.
	ErrScanInProgress = errors.New("scan cycle already in progress")

	// ErrPublishTimeout indicates the broker did not acknowledge a publish
	// within the configured timeout.
	ErrPublishTimeout = errors.New("publish not acknowledged before timeout")

	// ErrNotConnected indicates a transport operation was attempted while
	// the broker link is down.
	ErrNotConnected = errors.New("transport not connected")

	// ErrCorruptRecord indicates a persisted message row could not be
	// decoded. The record is discarded individually; the store still boots.
	ErrCorruptRecord = errors.New("corrupt persisted record")
)
