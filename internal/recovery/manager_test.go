package recovery

import (
	"testing"

	"go.uber.org/zap"

	"github.com/consultease/deskunit/internal/types"
)

type fakeConnectivity struct {
	canPublish bool
	recovering bool
}

func (f *fakeConnectivity) CanPublish() bool { return f.canPublish }
func (f *fakeConnectivity) Recovering() bool { return f.recovering }

type fakeBacklog struct {
	ids map[types.MessageID]bool
}

func newFakeBacklog(n int) *fakeBacklog {
	b := &fakeBacklog{ids: make(map[types.MessageID]bool)}
	for i := 0; i < n; i++ {
		b.ids[types.NewMessageID()] = true
	}
	return b
}

func (b *fakeBacklog) Contains(id types.MessageID) bool { return b.ids[id] }
func (b *fakeBacklog) Len() int                         { return len(b.ids) }
func (b *fakeBacklog) PendingIDs() []types.MessageID {
	var out []types.MessageID
	for id := range b.ids {
		out = append(out, id)
	}
	return out
}

func (b *fakeBacklog) drainOne() {
	for id := range b.ids {
		delete(b.ids, id)
		return
	}
}

func newTestManager(backlogSize int) (*Manager, *fakeConnectivity, *fakeBacklog) {
	conn := &fakeConnectivity{}
	backlog := newFakeBacklog(backlogSize)
	return NewManager(conn, backlog, zap.NewNop()), conn, backlog
}

func TestBootsOffline(t *testing.T) {
	m, _, _ := newTestManager(0)
	if m.State() != StateOffline {
		t.Fatalf("expected offline at boot, got %v", m.State())
	}
	if m.ShouldPublish() {
		t.Error("offline must not publish")
	}
}

func TestOfflineToReconnectingOnRecovery(t *testing.T) {
	m, conn, _ := newTestManager(0)

	m.Step(0, 0)
	if m.State() != StateOffline {
		t.Fatal("no recovery signal, must stay offline")
	}

	conn.recovering = true
	m.Step(0, 0)
	if m.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %v", m.State())
	}
	if m.ShouldPublish() {
		t.Error("reconnecting must not publish")
	}
}

func TestReconnectingFallsBackToOffline(t *testing.T) {
	m, conn, _ := newTestManager(0)
	conn.recovering = true
	m.Step(0, 0) // reconnecting

	conn.recovering = false
	m.Step(0, 0)
	if m.State() != StateOffline {
		t.Fatalf("expected fall back to offline, got %v", m.State())
	}
}

func TestSyncingDrainsBacklogThenOnline(t *testing.T) {
	m, conn, backlog := newTestManager(3)
	conn.recovering = true
	m.Step(0, 0) // reconnecting
	conn.canPublish = true
	m.Step(0, 0) // syncing, drain set snapshot taken
	if m.State() != StateSyncing {
		t.Fatalf("expected syncing, got %v", m.State())
	}
	if !m.ShouldPublish() {
		t.Error("syncing must allow publishing")
	}

	// Drains one message per step; online only when the snapshot is clear.
	for backlog.Len() > 0 {
		m.Step(1, 0)
		if backlog.Len() > 0 && m.State() != StateSyncing {
			t.Fatalf("left syncing with %d messages queued", backlog.Len())
		}
		backlog.drainOne()
	}
	m.Step(1, 0)
	if m.State() != StateOnline {
		t.Fatalf("expected online after drain, got %v", m.State())
	}
}

func TestSyncingWithEmptyBacklogGoesStraightOnline(t *testing.T) {
	m, conn, _ := newTestManager(0)
	conn.recovering = true
	m.Step(0, 0)
	conn.canPublish = true
	m.Step(0, 0) // syncing
	m.Step(0, 0) // nothing to drain
	if m.State() != StateOnline {
		t.Fatalf("expected online, got %v", m.State())
	}
}

func TestNewArrivalsDoNotBlockDrainCompletion(t *testing.T) {
	m, conn, backlog := newTestManager(2)
	conn.recovering = true
	m.Step(0, 0)
	conn.canPublish = true
	m.Step(0, 0) // snapshot: 2 messages

	// Both snapshot messages drain; fresh traffic arrives meanwhile.
	backlog.drainOne()
	backlog.drainOne()
	backlog.ids[types.NewMessageID()] = true

	m.Step(2, 0)
	if m.State() != StateOnline {
		t.Fatalf("snapshot drained, expected online despite new arrivals, got %v", m.State())
	}
}

func TestSyncingPausesAfterConsecutiveFailures(t *testing.T) {
	m, conn, _ := newTestManager(5)
	conn.recovering = true
	m.Step(0, 0)
	conn.canPublish = true
	m.Step(0, 0) // syncing

	m.Step(0, 1)
	if m.State() != StateSyncing {
		t.Fatal("one failure must not pause the drain")
	}
	m.Step(0, 1)
	if m.State() != StateReconnecting {
		t.Fatalf("expected pause to reconnecting after consecutive failures, got %v", m.State())
	}
}

func TestDeliveryResetsFailureStreak(t *testing.T) {
	m, conn, _ := newTestManager(5)
	conn.recovering = true
	m.Step(0, 0)
	conn.canPublish = true
	m.Step(0, 0) // syncing

	m.Step(0, 1)
	m.Step(1, 1) // a delivery interleaved with the failure
	if m.State() != StateSyncing {
		t.Fatalf("mixed outcomes must not pause, got %v", m.State())
	}
}

func TestSyncingDropsToReconnectingOnLinkLoss(t *testing.T) {
	m, conn, _ := newTestManager(5)
	conn.recovering = true
	m.Step(0, 0)
	conn.canPublish = true
	m.Step(0, 0) // syncing

	conn.canPublish = false
	m.Step(0, 0)
	if m.State() != StateReconnecting {
		t.Fatalf("expected reconnecting on link loss, got %v", m.State())
	}
}

func TestOnlineToOfflineOnLinkLoss(t *testing.T) {
	m, conn, _ := newTestManager(0)
	conn.recovering = true
	m.Step(0, 0)
	conn.canPublish = true
	m.Step(0, 0)
	m.Step(0, 0) // online

	conn.canPublish = false
	conn.recovering = false
	m.Step(0, 0)
	if m.State() != StateOffline {
		t.Fatalf("expected offline on link loss, got %v", m.State())
	}
	if m.ShouldPublish() {
		t.Error("offline must not publish")
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateOffline:      "offline",
		StateReconnecting: "reconnecting",
		StateSyncing:      "syncing",
		StateOnline:       "online",
	}
	for state, name := range want {
		if state.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), name)
		}
	}
}
