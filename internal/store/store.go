// Package store persists the message backlog across reboots and power loss.
//
// A committed SQLite transaction is either fully visible after restart or
// not at all, which gives the "no partially-written records" guarantee
// without hand-rolled slot management. Write volume stays bounded: enqueue
// inserts and terminal deletes are written through immediately (they carry
// the at-least-once guarantee), retry-state updates are debounced behind
// MinWriteInterval.
package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/core/db"
	"github.com/consultease/deskunit/internal/types"
)

// Store funnels all persistence writes for queued messages. Only the queue
// manager holds a reference; detector and publisher never touch it.
type Store struct {
	queries *db.Queries
	logger  *zap.Logger

	minWriteInterval time.Duration
	pendingRetry     map[types.MessageID]retryState
	lastFlush        time.Duration

	corruptDropped int
}

type retryState struct {
	status     types.MessageStatus
	nextRetry  time.Duration
	retryCount int
}

// messageRow mirrors the messages table.
type messageRow struct {
	MessageID   string `db:"message_id"`
	Class       int    `db:"class"`
	Topic       string `db:"topic"`
	Payload     []byte `db:"payload"`
	Status      int    `db:"status"`
	CreatedAtMs int64  `db:"created_at_ms"`
	NextRetryMs int64  `db:"next_retry_ms"`
	ExpiresAtMs int64  `db:"expires_at_ms"`
	RetryCount  int    `db:"retry_count"`
	Seq         uint64 `db:"seq"`
}

// New creates a Store over loaded queries.
func New(queries *db.Queries, minWriteInterval time.Duration, logger *zap.Logger) *Store {
	return &Store{
		queries:          queries,
		logger:           logger,
		minWriteInterval: minWriteInterval,
		pendingRetry:     make(map[types.MessageID]retryState),
	}
}

// Save persists a newly enqueued message. Written through immediately: an
// enqueue that is not durable would break at-least-once on power loss.
func (s *Store) Save(msg *types.Message) error {
	_, err := s.queries.Exec("insert-message",
		string(msg.ID), int(msg.Class), msg.Topic, msg.Payload, int(msg.Status),
		msg.CreatedAt.Milliseconds(), msg.NextRetry.Milliseconds(),
		msg.ExpiresAt.Milliseconds(), msg.RetryCount, msg.Seq,
	)
	if err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	return nil
}

// Delete removes a message that reached a terminal state. Written through
// immediately so a delivered message is never replayed after reboot.
func (s *Store) Delete(id types.MessageID) error {
	delete(s.pendingRetry, id)
	if _, err := s.queries.Exec("delete-message", string(id)); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// QueueRetryUpdate records a retry-state change to be flushed later.
// Losing one of these to power loss only costs a redundant delivery
// attempt, which at-least-once permits, so debouncing is safe.
func (s *Store) QueueRetryUpdate(msg *types.Message) {
	s.pendingRetry[msg.ID] = retryState{
		status:     msg.Status,
		nextRetry:  msg.NextRetry,
		retryCount: msg.RetryCount,
	}
}

// Flush writes buffered retry-state updates if the minimum write interval
// has elapsed since the last flush. force bypasses the interval (shutdown).
func (s *Store) Flush(now time.Duration, force bool) {
	if len(s.pendingRetry) == 0 {
		return
	}
	if !force && now-s.lastFlush < s.minWriteInterval {
		return
	}
	for id, st := range s.pendingRetry {
		_, err := s.queries.Exec("update-retry-state",
			int(st.status), st.nextRetry.Milliseconds(), st.retryCount, string(id))
		if err != nil {
			// Row may already be deleted by a racing terminal transition.
			s.logger.Warn("retry-state flush failed", zap.String("message_id", string(id)), zap.Error(err))
		}
	}
	s.pendingRetry = make(map[types.MessageID]retryState)
	s.lastFlush = now
}

// LoadAll reconstructs the backlog after boot.
//
// Any message persisted as InFlight by an earlier session is demoted to
// Pending first: an in-flight delivery interrupted by power loss must be
// assumed undelivered. Uptime-relative timestamps from the previous session
// are meaningless now, so every reloaded message becomes immediately
// retry-eligible and receives a fresh expiry window of expiresIn from now.
// Corrupt rows are dropped individually; one bad record never fails boot.
func (s *Store) LoadAll(now, expiresIn time.Duration) ([]types.Message, error) {
	if _, err := s.queries.Exec("demote-in-flight"); err != nil {
		return nil, fmt.Errorf("demote in-flight messages: %w", err)
	}

	rows, err := s.queries.Queryx("select-all-messages")
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var row messageRow
		if err := rows.StructScan(&row); err != nil {
			s.corruptDropped++
			s.logger.Warn("dropping unreadable message row", zap.Error(err))
			continue
		}

		msg, err := row.toMessage()
		if err != nil {
			s.corruptDropped++
			s.logger.Warn("dropping corrupt message row",
				zap.String("message_id", row.MessageID), zap.Error(err))
			if _, delErr := s.queries.Exec("delete-message", row.MessageID); delErr != nil {
				s.logger.Warn("failed to delete corrupt row", zap.Error(delErr))
			}
			continue
		}

		msg.NextRetry = 0
		msg.ExpiresAt = now + expiresIn
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return out, nil
}

// toMessage validates and converts a row. Field validation catches records
// written by a buggy or torn earlier session.
func (r messageRow) toMessage() (types.Message, error) {
	id, err := types.ParseMessageID(r.MessageID)
	if err != nil {
		return types.Message{}, fmt.Errorf("%w: bad id: %v", types.ErrCorruptRecord, err)
	}
	if r.Class < int(types.ClassStatusUpdate) || r.Class > int(types.ClassHeartbeat) {
		return types.Message{}, fmt.Errorf("%w: class %d out of range", types.ErrCorruptRecord, r.Class)
	}
	if r.Status < int(types.StatusPending) || r.Status > int(types.StatusExpired) {
		return types.Message{}, fmt.Errorf("%w: status %d out of range", types.ErrCorruptRecord, r.Status)
	}
	if r.Topic == "" || len(r.Topic) > types.MaxTopicLength {
		return types.Message{}, fmt.Errorf("%w: bad topic length %d", types.ErrCorruptRecord, len(r.Topic))
	}
	if len(r.Payload) == 0 || len(r.Payload) > types.MaxPayloadSize {
		return types.Message{}, fmt.Errorf("%w: bad payload length %d", types.ErrCorruptRecord, len(r.Payload))
	}
	if r.RetryCount < 0 {
		return types.Message{}, fmt.Errorf("%w: negative retry count", types.ErrCorruptRecord)
	}

	return types.Message{
		ID:         id,
		Class:      types.MessageClass(r.Class),
		Topic:      r.Topic,
		Payload:    r.Payload,
		Status:     types.MessageStatus(r.Status),
		CreatedAt:  time.Duration(r.CreatedAtMs) * time.Millisecond,
		NextRetry:  time.Duration(r.NextRetryMs) * time.Millisecond,
		ExpiresAt:  time.Duration(r.ExpiresAtMs) * time.Millisecond,
		RetryCount: r.RetryCount,
		Seq:        r.Seq,
	}, nil
}

// MaxSeq returns the highest persisted insertion sequence, so new messages
// keep FIFO ordering across reboots.
func (s *Store) MaxSeq() (uint64, error) {
	var seq uint64
	if err := s.queries.Get("max-seq", &seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq, nil
}

// Count returns the persisted backlog size.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.queries.Get("count-messages", &n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Compact removes any terminal rows (belt and braces; terminal messages are
// deleted inline) and reclaims file space on SQLite.
func (s *Store) Compact() error {
	if _, err := s.queries.Exec("delete-terminal"); err != nil {
		return fmt.Errorf("delete terminal rows: %w", err)
	}
	if s.queries.DB().DriverName() == "sqlite3" {
		if _, err := s.queries.DB().Exec("VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}

// CorruptDropped reports how many unreadable records were discarded since
// boot, surfaced on the diagnostics endpoint.
func (s *Store) CorruptDropped() int {
	return s.corruptDropped
}
