package agent

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/clock"
	"github.com/consultease/deskunit/internal/connectivity"
	"github.com/consultease/deskunit/internal/core/config"
	"github.com/consultease/deskunit/internal/core/db"
	"github.com/consultease/deskunit/internal/presence"
	"github.com/consultease/deskunit/internal/queue"
	"github.com/consultease/deskunit/internal/recovery"
	"github.com/consultease/deskunit/internal/store"
	"github.com/consultease/deskunit/internal/transport"
	"github.com/consultease/deskunit/internal/types"
)

type ackToken struct{ err error }

func (t ackToken) Done() bool { return true }
func (t ackToken) Err() error { return t.err }

// ackClient acknowledges every publish immediately.
type ackClient struct {
	sent []struct {
		topic   string
		payload []byte
	}
	subs map[string]transport.MessageHandler
}

func newAckClient() *ackClient {
	return &ackClient{subs: make(map[string]transport.MessageHandler)}
}

func (c *ackClient) Connect(ctx context.Context) error { return nil }
func (c *ackClient) Connected() bool                   { return true }
func (c *ackClient) Disconnect()                       {}

func (c *ackClient) Publish(topic string, qos byte, payload []byte) (transport.Token, error) {
	c.sent = append(c.sent, struct {
		topic   string
		payload []byte
	}{topic, payload})
	return ackToken{}, nil
}

func (c *ackClient) Subscribe(topic string, qos byte, handler transport.MessageHandler) error {
	c.subs[topic] = handler
	return nil
}

func newTestAgent(t *testing.T) (*Agent, *ackClient, *clock.Fake) {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Beacon.MAC = "AA:BB:CC:DD:EE:FF"
	cfg.HealthCheckInterval = 0 // probe every round
	cfg.MinWriteInterval = 0

	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.MigrateUp(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		t.Fatalf("load queries: %v", err)
	}

	logger := zap.NewNop()
	clk := clock.NewFake()
	st := store.New(queries, cfg.MinWriteInterval, logger)
	q := queue.NewManager(queue.Config{
		Capacities: map[types.MessageClass]int{
			types.ClassResponse:          cfg.Queue.CapacityResponses,
			types.ClassConsultationRelay: cfg.Queue.CapacityConsultations,
			types.ClassStatusUpdate:      cfg.Queue.CapacityStatusUpdates,
			types.ClassHeartbeat:         cfg.Queue.CapacityHeartbeats,
		},
		TotalCapacity:    cfg.Queue.TotalCapacity,
		MessageExpiry:    cfg.Queue.MessageExpiry,
		StarvationWindow: cfg.Queue.StarvationWindow,
	}, st, clk, logger)

	scanner := presence.NewSimScanner(clk, cfg.Beacon.MAC, -70, 0)
	detector := presence.NewDetector(cfg.Beacon, scanner, clk, logger)

	okProbe := func(ctx context.Context) error { return nil }
	monitor := connectivity.NewMonitor(okProbe, okProbe,
		cfg.LinkDownThreshold, cfg.LinkUpThreshold, logger)

	client := newAckClient()
	publisher := transport.NewPublisher(client, q, clk, nil,
		cfg.MQTT.QoS, cfg.MQTT.PublishTimeout,
		cfg.Queue.RetryBackoffBase, cfg.Queue.RetryBackoffMax,
		cfg.Queue.MaxRetryAttempts, logger)
	rec := recovery.NewManager(monitor, q, logger)

	return New(cfg, clk, st, q, detector, monitor, publisher, rec, client, logger), client, clk
}

// step runs scheduler rounds, advancing the fake clock between them.
func step(a *Agent, clk *clock.Fake, rounds int, advance time.Duration) {
	for i := 0; i < rounds; i++ {
		a.tick(context.Background())
		clk.Advance(advance)
	}
}

func TestPresenceStatusPublishedEndToEnd(t *testing.T) {
	a, client, clk := newTestAgent(t)

	// The simulated beacon is present; within a few scan cycles the status
	// update is detected, queued, and delivered through the ack client.
	step(a, clk, 30, time.Second)

	if a.detector.Status() != types.PresencePresent {
		t.Fatalf("expected present, got %v", a.detector.Status())
	}
	if a.recovery.State() != recovery.StateOnline {
		t.Fatalf("expected online after drain, got %v", a.recovery.State())
	}

	var status []byte
	for _, p := range client.sent {
		if strings.HasSuffix(p.topic, "/status") {
			status = p.payload
		}
	}
	if status == nil {
		t.Fatal("no status update reached the broker")
	}
	var body struct {
		FacultyID int    `json:"faculty_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(status, &body); err != nil {
		t.Fatalf("status payload not JSON: %v", err)
	}
	if body.Status != "present" || body.FacultyID != a.cfg.FacultyID {
		t.Errorf("unexpected status payload: %s", status)
	}
	if a.queue.Stats().Delivered == 0 {
		t.Error("delivery stats not counted")
	}
}

func TestHeartbeatCadenceFollowsConnectivity(t *testing.T) {
	a, client, clk := newTestAgent(t)

	// Links start down: the offline cadence (1m) applies.
	clk.Advance(a.cfg.OfflineHeartbeatInterval)
	a.tick(context.Background())
	if got := a.queue.Depth(types.ClassHeartbeat); got != 1 {
		t.Fatalf("expected offline heartbeat queued, got depth %d", got)
	}

	// Bring everything up and drain.
	step(a, clk, 10, time.Second)
	sent := len(client.sent)
	if sent == 0 {
		t.Fatal("heartbeat never delivered")
	}

	// Online cadence is 5m; a minute of ticks must not add another.
	step(a, clk, 60, time.Second)
	for _, p := range client.sent[sent:] {
		if strings.HasSuffix(p.topic, "/heartbeat") {
			t.Fatal("heartbeat sent before online cadence elapsed")
		}
	}
}

func TestInboundConsultationQueuesRelayReceipt(t *testing.T) {
	a, _, _ := newTestAgent(t)

	a.handleInbound(inboundMessage{
		topic:   a.cfg.Topic("messages"),
		payload: []byte(`{"consultation_id":"abc-123","student_name":"Lin","message":"free now?"}`),
	})

	if got := a.queue.Depth(types.ClassConsultationRelay); got != 1 {
		t.Fatalf("expected relay receipt queued, got depth %d", got)
	}
	msg := a.queue.PeekNext(0)
	if msg == nil || msg.Class != types.ClassConsultationRelay {
		t.Fatalf("unexpected head message: %+v", msg)
	}
	var body struct {
		ConsultationID string `json:"consultation_id"`
		Event          string `json:"event"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.ConsultationID != "abc-123" || body.Event != "received" {
		t.Errorf("unexpected receipt payload: %s", msg.Payload)
	}
}

func TestInboundGarbageIgnored(t *testing.T) {
	a, _, _ := newTestAgent(t)

	a.handleInbound(inboundMessage{topic: "t", payload: []byte("not json")})
	a.handleInbound(inboundMessage{topic: "t", payload: []byte(`{"student_name":"x"}`)})

	if a.queue.Len() != 0 {
		t.Errorf("garbage inbound queued %d messages", a.queue.Len())
	}
}

func TestRespondValidation(t *testing.T) {
	a, _, _ := newTestAgent(t)

	if err := a.Respond("c1", "maybe"); err == nil {
		t.Error("expected error for unknown action")
	}
	if err := a.Respond("", "acknowledge"); err == nil {
		t.Error("expected error for missing consultation id")
	}
}

func TestRespondThroughRunLoop(t *testing.T) {
	a, _, _ := newTestAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	if err := a.Respond("c-9", "busy"); err != nil {
		t.Errorf("respond failed: %v", err)
	}
	cancel()
	<-done

	// The loop may have already delivered it; the enqueue is what matters.
	if got := a.queue.Stats().Enqueued; got != 1 {
		t.Errorf("expected exactly the response enqueued, got %d", got)
	}
}

func TestBootstrapRestoresBacklog(t *testing.T) {
	a, _, _ := newTestAgent(t)

	// A previous session left a message behind.
	persisted := &types.Message{
		ID:        types.NewMessageID(),
		Class:     types.ClassResponse,
		Topic:     "consultease/faculty/1/responses",
		Payload:   []byte(`{"r":1}`),
		Status:    types.StatusInFlight,
		ExpiresAt: time.Minute,
		Seq:       5,
	}
	if err := a.store.Save(persisted); err != nil {
		t.Fatal(err)
	}

	if err := a.Bootstrap(); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !a.queue.Contains(persisted.ID) {
		t.Error("persisted message not restored")
	}
	// Interrupted in-flight delivery resumes as pending.
	msg := a.queue.PeekNext(0)
	if msg == nil || msg.ID != persisted.ID {
		t.Fatalf("restored message not eligible: %+v", msg)
	}
	if msg.Status != types.StatusPending {
		t.Errorf("expected pending after restore, got %v", msg.Status)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	a, _, clk := newTestAgent(t)
	step(a, clk, 10, time.Second)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/diagnostics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var d Diagnostics
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.FacultyID != a.cfg.FacultyID {
		t.Errorf("faculty id: %d", d.FacultyID)
	}
	if d.Network != "up" || d.Transport != "up" {
		t.Errorf("links: network=%s transport=%s", d.Network, d.Transport)
	}
	if d.Recovery == "" || d.Presence == "" {
		t.Errorf("missing state fields: %+v", d)
	}

	health, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != 200 {
		t.Errorf("healthz: %d", health.StatusCode)
	}
}

func TestRespondEndpointRejectsBadInput(t *testing.T) {
	a, _, _ := newTestAgent(t)
	a.updateDiagnostics(0)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/api/respond", "application/json",
		strings.NewReader(`{"consultation_id":"c1","action":"shrug"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 422 {
		t.Errorf("expected 422 for unknown action, got %d", resp.StatusCode)
	}

	resp, err = srv.Client().Post(srv.URL+"/api/respond", "application/json",
		strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for bad body, got %d", resp.StatusCode)
	}
}
