// Package queue implements the bounded, priority-ordered message backlog.
//
// One queue per message class, priority derived from class, FIFO within a
// class by insertion sequence. All persistence writes funnel through the
// manager; no other component touches the store.
package queue

import (
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/types"
)

// Persistence is the write-through surface the manager requires from the
// persistent store.
type Persistence interface {
	Save(*types.Message) error
	Delete(types.MessageID) error
	QueueRetryUpdate(*types.Message)
}

// Config bounds the backlog.
type Config struct {
	// Capacities is the per-class slot count.
	Capacities map[types.MessageClass]int
	// TotalCapacity bounds the persisted footprint across all classes.
	// When reached, the oldest strictly-lower-priority pending message is
	// evicted to admit a higher-priority one.
	TotalCapacity int
	// MessageExpiry is the lifetime granted to each message at enqueue.
	MessageExpiry time.Duration
	// StarvationWindow is the number of consecutive higher-priority picks
	// after which the oldest eligible lower-priority message is offered.
	StarvationWindow int
}

// Stats counts message outcomes since boot, surfaced on diagnostics.
type Stats struct {
	Enqueued  int
	Delivered int
	Failed    int
	Expired   int
	Evicted   int
	Rejected  int
}

// Manager owns the per-class queues and their persistent mirror.
// Not safe for concurrent use; the cooperative scheduler is the only caller.
type Manager struct {
	cfg    Config
	store  Persistence
	clk    clock.Clock
	logger *zap.Logger

	queues  map[types.MessageClass][]*types.Message
	byID    map[types.MessageID]*types.Message
	nextSeq uint64

	// highPicks counts consecutive picks that bypassed a lower-priority
	// eligible message; at StarvationWindow the lower class gets a turn.
	highPicks int

	stats Stats
}

// NewManager creates an empty queue manager.
func NewManager(cfg Config, store Persistence, clk clock.Clock, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  store,
		clk:    clk,
		logger: logger,
		queues: make(map[types.MessageClass][]*types.Message),
		byID:   make(map[types.MessageID]*types.Message),
	}
	for _, c := range types.Classes() {
		m.queues[c] = nil
	}
	return m
}

// Restore populates the queues from messages reloaded at boot and resumes
// the insertion sequence after the highest persisted value.
func (m *Manager) Restore(msgs []types.Message, maxSeq uint64) {
	for i := range msgs {
		msg := msgs[i]
		m.queues[msg.Class] = append(m.queues[msg.Class], &msg)
		m.byID[msg.ID] = &msg
	}
	m.nextSeq = maxSeq + 1
}

// Enqueue admits a new message, persisting it before reporting success.
// Returns the queued message, or ErrPayloadTooLarge / ErrTopicTooLong /
// ErrQueueFull. None of these are fatal; callers log and continue.
func (m *Manager) Enqueue(class types.MessageClass, topic string, payload []byte) (*types.Message, error) {
	if len(payload) == 0 || len(payload) > types.MaxPayloadSize {
		m.stats.Rejected++
		return nil, types.ErrPayloadTooLarge
	}
	if topic == "" || len(topic) > types.MaxTopicLength {
		m.stats.Rejected++
		return nil, types.ErrTopicTooLong
	}

	// Per-class capacity: every message in a class shares one priority, so
	// same-priority overflow always rejects.
	if len(m.queues[class]) >= m.cfg.Capacities[class] {
		m.stats.Rejected++
		return nil, types.ErrQueueFull
	}

	// Total footprint bound: evict the oldest pending message of a strictly
	// lower priority, or reject when no such victim exists.
	if m.total() >= m.cfg.TotalCapacity {
		if !m.evictFor(class) {
			m.stats.Rejected++
			return nil, types.ErrQueueFull
		}
	}

	now := m.clk.Uptime()
	id := types.NewMessageID()
	if _, exists := m.byID[id]; exists {
		m.stats.Rejected++
		return nil, types.ErrDuplicateID
	}

	msg := &types.Message{
		ID:        id,
		Class:     class,
		Topic:     topic,
		Payload:   payload,
		Status:    types.StatusPending,
		CreatedAt: now,
		ExpiresAt: now + m.cfg.MessageExpiry,
		Seq:       m.nextSeq,
	}

	if err := m.store.Save(msg); err != nil {
		// Persistence failure degrades to memory-only queueing rather than
		// dropping the message; a reboot may lose it, a live session won't.
		m.logger.Error("message not persisted, queueing in memory only",
			zap.String("message_id", string(msg.ID)), zap.Error(err))
	}

	m.nextSeq++
	m.queues[class] = append(m.queues[class], msg)
	m.byID[id] = msg
	m.stats.Enqueued++
	return msg, nil
}

// PeekNext returns the highest-priority pending message eligible for a
// delivery attempt (next_retry_at <= now, not expired), or nil.
//
// A class with a message already in flight is skipped to preserve per-class
// ordering. Every StarvationWindow consecutive picks that bypassed a
// lower-priority eligible message, the lowest-priority eligible message is
// offered instead so extended high-priority traffic cannot starve
// heartbeats forever.
func (m *Manager) PeekNext(now time.Duration) *types.Message {
	var candidates []*types.Message
	for _, class := range types.Classes() {
		if m.classInFlight(class) {
			continue
		}
		for _, msg := range m.queues[class] {
			if msg.Status != types.StatusPending {
				continue
			}
			if msg.NextRetry > now || msg.ExpiresAt <= now {
				continue
			}
			candidates = append(candidates, msg)
			break // FIFO within class: only the head is eligible
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		m.highPicks = 0
		return candidates[0]
	}

	// candidates is in descending priority order by construction.
	if m.highPicks >= m.cfg.StarvationWindow {
		m.highPicks = 0
		return candidates[len(candidates)-1]
	}
	m.highPicks++
	return candidates[0]
}

// MarkInFlight transitions a pending message to InFlight. Memory-only: an
// in-flight record is never persisted, so reload cannot observe one.
func (m *Manager) MarkInFlight(id types.MessageID) error {
	msg, ok := m.byID[id]
	if !ok {
		return types.ErrMessageNotFound
	}
	msg.Status = types.StatusInFlight
	return nil
}

// MarkDelivered removes an acknowledged message from queue and store.
func (m *Manager) MarkDelivered(id types.MessageID) error {
	msg, ok := m.byID[id]
	if !ok {
		return types.ErrMessageNotFound
	}
	msg.Status = types.StatusDelivered
	m.remove(msg)
	m.stats.Delivered++
	return nil
}

// MarkFailed removes a message whose retries are exhausted. Logged and
// counted, never silently dropped.
func (m *Manager) MarkFailed(id types.MessageID) error {
	msg, ok := m.byID[id]
	if !ok {
		return types.ErrMessageNotFound
	}
	msg.Status = types.StatusFailed
	m.remove(msg)
	m.stats.Failed++
	m.logger.Warn("message failed after exhausting retries",
		zap.String("message_id", string(id)),
		zap.Stringer("class", msg.Class),
		zap.Int("retry_count", msg.RetryCount))
	return nil
}

// ReleaseForRetry returns an in-flight message to Pending after a failed
// attempt, recording the incremented retry count and computed next attempt
// time. Returns the new retry count.
func (m *Manager) ReleaseForRetry(id types.MessageID, nextRetry time.Duration) (int, error) {
	msg, ok := m.byID[id]
	if !ok {
		return 0, types.ErrMessageNotFound
	}
	msg.Status = types.StatusPending
	msg.RetryCount++
	msg.NextRetry = nextRetry
	m.store.QueueRetryUpdate(msg)
	return msg.RetryCount, nil
}

// SweepExpired removes every message past its expiry, bounding backlog
// growth during extended outages. Returns the number removed.
func (m *Manager) SweepExpired(now time.Duration) int {
	var expired []*types.Message
	for _, class := range types.Classes() {
		for _, msg := range m.queues[class] {
			if msg.ExpiresAt <= now {
				expired = append(expired, msg)
			}
		}
	}
	for _, msg := range expired {
		msg.Status = types.StatusExpired
		m.remove(msg)
		m.stats.Expired++
		m.logger.Info("message expired",
			zap.String("message_id", string(msg.ID)),
			zap.Stringer("class", msg.Class))
	}
	return len(expired)
}

// Depth returns the queued count for one class.
func (m *Manager) Depth(class types.MessageClass) int {
	return len(m.queues[class])
}

// Depths returns queue depth per class for diagnostics.
func (m *Manager) Depths() map[string]int {
	out := make(map[string]int, len(m.queues))
	for class, q := range m.queues {
		out[class.String()] = len(q)
	}
	return out
}

// PendingIDs snapshots the IDs of all queued messages. The recovery manager
// uses this at entry to Syncing to decide when the drain is complete.
func (m *Manager) PendingIDs() []types.MessageID {
	var ids []types.MessageID
	for _, q := range m.queues {
		for _, msg := range q {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

// Contains reports whether a message is still queued.
func (m *Manager) Contains(id types.MessageID) bool {
	_, ok := m.byID[id]
	return ok
}

// Len returns the total queued message count.
func (m *Manager) Len() int {
	return m.total()
}

// Stats returns outcome counters since boot.
func (m *Manager) Stats() Stats {
	return m.stats
}

func (m *Manager) total() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

func (m *Manager) classInFlight(class types.MessageClass) bool {
	for _, msg := range m.queues[class] {
		if msg.Status == types.StatusInFlight {
			return true
		}
	}
	return false
}

// evictFor frees one slot for an incoming message of the given class by
// removing the oldest pending message of the lowest strictly-lower
// priority. Returns false when no victim exists (equal-priority overflow).
func (m *Manager) evictFor(incoming types.MessageClass) bool {
	var victim *types.Message
	classes := types.Classes()
	// Walk ascending priority so the lowest class is robbed first.
	for i := len(classes) - 1; i >= 0; i-- {
		class := classes[i]
		if class.Priority() >= incoming.Priority() {
			break
		}
		for _, msg := range m.queues[class] {
			if msg.Status != types.StatusPending {
				continue
			}
			if victim == nil || msg.Seq < victim.Seq {
				victim = msg
			}
		}
		if victim != nil {
			break
		}
	}
	if victim == nil {
		return false
	}
	m.remove(victim)
	m.stats.Evicted++
	m.logger.Info("evicted message for higher-priority arrival",
		zap.String("message_id", string(victim.ID)),
		zap.Stringer("victim_class", victim.Class),
		zap.Stringer("incoming_class", incoming))
	return true
}

// remove deletes a message from queue, index, and store.
func (m *Manager) remove(msg *types.Message) {
	q := m.queues[msg.Class]
	for i, cur := range q {
		if cur.ID == msg.ID {
			m.queues[msg.Class] = append(q[:i], q[i+1:]...)
			break
		}
	}
	delete(m.byID, msg.ID)
	if err := m.store.Delete(msg.ID); err != nil {
		m.logger.Warn("failed to delete persisted message",
			zap.String("message_id", string(msg.ID)), zap.Error(err))
	}
}
