// Package agent owns every component of the presence-and-messaging core and
// drives them from a single cooperative scheduler loop.
//
// One control loop polls each component in turn: scan tick, expiry sweep,
// health check, publish attempt, recovery step, persistence flush. No
// component blocks beyond a small budget; radio scans and publish attempts
// are started and polled, never awaited. There is no ambient global state:
// the Agent struct is the explicit context passed everything it needs.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/connectivity"
	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/presence"
	"github.com/consultease/deskunit/internal/queue"
	"github.com/consultease/deskunit/internal/recovery"
	"github.com/consultease/deskunit/internal/store"
	"github.com/consultease/deskunit/internal/transport"
	"github.com/consultease/deskunit/internal/types"
)

// probeTimeout bounds one connectivity probe so a black-holed dial cannot
// stall the loop past its budget.
const probeTimeout = 1 * time.Second

// Agent wires together the desk unit components and manages their lifecycle.
type Agent struct {
	cfg    *config.AgentConfig
	logger *zap.Logger
	clk    clock.Clock

	store     *store.Store
	queue     *queue.Manager
	detector  *presence.Detector
	monitor   *connectivity.Monitor
	publisher *transport.Publisher
	recovery  *recovery.Manager
	client    transport.Client

	lastSweep     time.Duration
	lastHealth    time.Duration
	lastHeartbeat time.Duration

	// inbound funnels broker callbacks and HTTP requests into the loop so
	// component state stays single-threaded.
	inbound chan inboundMessage
	respond chan respondRequest

	diagMu sync.RWMutex
	diag   Diagnostics
}

type inboundMessage struct {
	topic   string
	payload []byte
}

type respondRequest struct {
	consultationID string
	action         string
	reply          chan error
}

// New constructs the agent context from its components.
func New(cfg *config.AgentConfig, clk clock.Clock, st *store.Store, q *queue.Manager,
	det *presence.Detector, mon *connectivity.Monitor, pub *transport.Publisher,
	rec *recovery.Manager, client transport.Client, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		store:     st,
		queue:     q,
		detector:  det,
		monitor:   mon,
		publisher: pub,
		recovery:  rec,
		client:    client,
		inbound:   make(chan inboundMessage, 16),
		respond:   make(chan respondRequest, 4),
	}
}

// Bootstrap reloads the persisted backlog into the queues. Any message
// persisted in flight by the previous session is already demoted by the
// store; reloaded messages are immediately retry-eligible.
func (a *Agent) Bootstrap() error {
	now := a.clk.Uptime()
	msgs, err := a.store.LoadAll(now, a.cfg.Queue.MessageExpiry)
	if err != nil {
		return fmt.Errorf("reload backlog: %w", err)
	}
	maxSeq, err := a.store.MaxSeq()
	if err != nil {
		return fmt.Errorf("resume sequence: %w", err)
	}
	a.queue.Restore(msgs, maxSeq)
	if len(msgs) > 0 {
		a.logger.Info("restored persisted backlog", zap.Int("messages", len(msgs)))
	}
	return nil
}

// Run drives the scheduler loop until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Subscribe(a.cfg.Topic("messages"), a.cfg.MQTT.QoS, func(topic string, payload []byte) {
		select {
		case a.inbound <- inboundMessage{topic: topic, payload: payload}:
		default:
			a.logger.Warn("inbound message dropped, handler backlog full", zap.String("topic", topic))
		}
	}); err != nil {
		// Subscription is retried on reconnect; a cold broker is not fatal.
		a.logger.Warn("initial subscribe failed", zap.Error(err))
	}

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.logger.Info("agent started",
		zap.Int("faculty_id", a.cfg.FacultyID),
		zap.Bool("beacon_configured", !a.detector.Unconfigured()))

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case msg := <-a.inbound:
			a.handleInbound(msg)
		case req := <-a.respond:
			req.reply <- a.enqueueResponse(req.consultationID, req.action)
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs one cooperative scheduling round.
func (a *Agent) tick(ctx context.Context) {
	now := a.clk.Uptime()

	// 1. Presence scan cycle.
	if t := a.detector.Tick(); t != nil {
		a.enqueueStatusUpdate(t)
	}

	// 2. Expiry sweep bounds backlog growth during extended outages.
	if now-a.lastSweep >= a.cfg.Queue.ExpirySweepInterval {
		a.lastSweep = now
		a.queue.SweepExpired(now)
	}

	// 3. Connectivity health round.
	if now-a.lastHealth >= a.cfg.HealthCheckInterval {
		a.lastHealth = now
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		a.monitor.Check(probeCtx)
		cancel()
	}

	// 4. Publish attempt, gated by recovery state and link health.
	outcome := a.publisher.Tick(a.recovery.ShouldPublish() && a.monitor.CanPublish())

	// 5. Recovery step consumes this round's publish results.
	a.recovery.Step(outcome.Delivered, outcome.Failures)

	// 6. Heartbeat cadence follows connectivity: quicker while offline so
	// the backlog records the outage shape.
	if now-a.lastHeartbeat >= a.cfg.HeartbeatEvery(a.monitor.CanPublish()) {
		a.lastHeartbeat = now
		a.enqueueHeartbeat(now)
	}

	// 7. Debounced persistence flush.
	a.store.Flush(now, false)

	a.updateDiagnostics(now)
}

func (a *Agent) shutdown() {
	a.store.Flush(a.clk.Uptime(), true)
	a.client.Disconnect()
	a.logger.Info("agent stopped")
}

// enqueueStatusUpdate emits exactly one status message per presence
// transition.
func (a *Agent) enqueueStatusUpdate(t *presence.Transition) {
	body, err := json.Marshal(map[string]any{
		"faculty_id": a.cfg.FacultyID,
		"status":     t.To.String(),
		"previous":   t.From.String(),
		"uptime_ms":  t.At.Milliseconds(),
	})
	if err != nil {
		a.logger.Error("encode status update", zap.Error(err))
		return
	}
	if _, err := a.queue.Enqueue(types.ClassStatusUpdate, a.cfg.Topic("status"), body); err != nil {
		a.logger.Warn("status update not queued", zap.Error(err))
	}
}

func (a *Agent) enqueueHeartbeat(now time.Duration) {
	body, err := json.Marshal(map[string]any{
		"faculty_id": a.cfg.FacultyID,
		"uptime_ms":  now.Milliseconds(),
		"presence":   a.detector.Status().String(),
		"queued":     a.queue.Len(),
	})
	if err != nil {
		a.logger.Error("encode heartbeat", zap.Error(err))
		return
	}
	if _, err := a.queue.Enqueue(types.ClassHeartbeat, a.cfg.Topic("heartbeat"), body); err != nil {
		a.logger.Debug("heartbeat not queued", zap.Error(err))
	}
}

// handleInbound processes one consultation message from the central system
// and queues a relay receipt so the requester learns the unit saw it.
func (a *Agent) handleInbound(msg inboundMessage) {
	var req struct {
		ConsultationID string `json:"consultation_id"`
		StudentName    string `json:"student_name"`
		Message        string `json:"message"`
	}
	if err := json.Unmarshal(msg.payload, &req); err != nil {
		a.logger.Warn("inbound payload decode failed", zap.String("topic", msg.topic), zap.Error(err))
		return
	}
	if req.ConsultationID == "" {
		a.logger.Warn("inbound consultation missing id", zap.String("topic", msg.topic))
		return
	}

	a.logger.Info("consultation received",
		zap.String("consultation_id", req.ConsultationID),
		zap.String("student", req.StudentName))

	body, err := json.Marshal(map[string]any{
		"faculty_id":      a.cfg.FacultyID,
		"consultation_id": req.ConsultationID,
		"event":           "received",
		"uptime_ms":       a.clk.Uptime().Milliseconds(),
	})
	if err != nil {
		a.logger.Error("encode relay receipt", zap.Error(err))
		return
	}
	if _, err := a.queue.Enqueue(types.ClassConsultationRelay, a.cfg.Topic("responses"), body); err != nil {
		a.logger.Warn("relay receipt not queued",
			zap.String("consultation_id", req.ConsultationID), zap.Error(err))
	}
}

// Respond queues a faculty response (acknowledge or busy) for a
// consultation. Safe to call from HTTP handler goroutines: the request is
// funneled into the scheduler loop.
func (a *Agent) Respond(consultationID, action string) error {
	if action != "acknowledge" && action != "busy" {
		return fmt.Errorf("action must be acknowledge or busy, got %q", action)
	}
	if consultationID == "" {
		return fmt.Errorf("consultation_id required")
	}
	req := respondRequest{consultationID: consultationID, action: action, reply: make(chan error, 1)}
	select {
	case a.respond <- req:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("agent busy")
	}
	select {
	case err := <-req.reply:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("agent busy")
	}
}

func (a *Agent) enqueueResponse(consultationID, action string) error {
	body, err := json.Marshal(map[string]any{
		"faculty_id":      a.cfg.FacultyID,
		"consultation_id": consultationID,
		"response":        action,
		"uptime_ms":       a.clk.Uptime().Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := a.queue.Enqueue(types.ClassResponse, a.cfg.Topic("responses"), body); err != nil {
		return fmt.Errorf("queue response: %w", err)
	}
	return nil
}
