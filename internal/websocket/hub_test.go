package websocket

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/config"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/protocol"
)

// countingRecorder tracks the hub-facing counters; everything else is a
// no-op via the embedded Nop.
type countingRecorder struct {
	metrics.Nop
	mu      sync.Mutex
	opened  int
	closed  int
	evicted int
	sent    int
}

func (r *countingRecorder) ConnectionOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *countingRecorder) ConnectionClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *countingRecorder) SubscriberEvicted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted++
}

func (r *countingRecorder) MessageSent(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
}

func (r *countingRecorder) snapshot() (opened, closed, evicted, sent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, r.closed, r.evicted, r.sent
}

func newTestHub(t *testing.T, rec metrics.Recorder, mutate func(*config.Config)) *Hub {
	t.Helper()
	cfg := config.Default()
	cfg.MaxConnections = 8
	cfg.MaxConnectionsPerIP = 4
	if mutate != nil {
		mutate(&cfg)
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return NewHub(cfg, rec, zap.NewNop())
}

// addSession registers a transport-less session, mirroring the Reserve
// then Add sequence of a real upgrade.
func addSession(t *testing.T, h *Hub, id, ip string, queue int) *Session {
	t.Helper()
	require.NoError(t, h.Reserve(ip))
	s := &Session{
		ID:     id,
		hub:    h,
		ip:     ip,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	h.Add(s)
	return s
}

func recvFrame(t *testing.T, s *Session) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-s.send:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return protocol.Envelope{}
	}
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.send:
		t.Fatalf("unexpected frame: %s", frame)
	default:
	}
}

func decodeError(t *testing.T, env protocol.Envelope) protocol.ErrorData {
	t.Helper()
	require.Equal(t, protocol.TypeError, env.Type)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func mustEnvelope(t *testing.T, msgType, projectID string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, projectID, data)
	require.NoError(t, err)
	return env
}

func TestReserveEnforcesGlobalLimit(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, func(c *config.Config) {
		c.MaxConnections = 2
		c.MaxConnectionsPerIP = 2
	})

	require.NoError(t, h.Reserve("10.0.0.1"))
	require.NoError(t, h.Reserve("10.0.0.2"))

	err := h.Reserve("10.0.0.3")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeResourceLimit, protocol.CodeOf(err))

	h.ReleaseReservation("10.0.0.1")
	require.NoError(t, h.Reserve("10.0.0.3"))
}

func TestReserveEnforcesPerAddressLimit(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, func(c *config.Config) {
		c.MaxConnectionsPerIP = 1
	})

	require.NoError(t, h.Reserve("10.0.0.1"))

	err := h.Reserve("10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeResourceLimit, protocol.CodeOf(err))

	// A different address is unaffected.
	require.NoError(t, h.Reserve("10.0.0.2"))
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	h := newTestHub(t, rec, func(c *config.Config) {
		c.MaxConnections = 1
	})
	s := addSession(t, h, "s1", "10.0.0.1", 4)

	h.Cleanup(s)
	h.Cleanup(s)

	assert.Equal(t, 0, h.SessionCount())
	select {
	case <-s.done:
	default:
		t.Fatal("done channel not closed")
	}
	_, closed, _, _ := rec.snapshot()
	assert.Equal(t, 1, closed)

	// The slot was released exactly once: one more reservation fits, a
	// second hits the global limit again.
	require.NoError(t, h.Reserve("10.0.0.2"))
	require.Error(t, h.Reserve("10.0.0.3"))
}

func TestJoinImplicitlyLeavesPreviousProject(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, nil)
	s := addSession(t, h, "s1", "10.0.0.1", 4)

	h.Join(s, "p1")
	assert.Equal(t, "p1", h.JoinedProject(s))
	assert.Equal(t, 1, h.SubscriberCount("p1"))

	h.Join(s, "p2")
	assert.Equal(t, "p2", h.JoinedProject(s))
	assert.Equal(t, 0, h.SubscriberCount("p1"))
	assert.Equal(t, 1, h.SubscriberCount("p2"))
}

func TestLeaveClearsSubscription(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, nil)
	s := addSession(t, h, "s1", "10.0.0.1", 4)

	h.Join(s, "p1")
	h.Leave(s)

	assert.Empty(t, h.JoinedProject(s))
	assert.Equal(t, 0, h.SubscriberCount("p1"))
	assert.False(t, h.IsSubscribed(s, "p1"))

	// Leaving again is a no-op.
	h.Leave(s)
}

func TestCleanupRemovesSubscription(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, nil)
	s := addSession(t, h, "s1", "10.0.0.1", 4)
	h.Join(s, "p1")

	h.Cleanup(s)

	assert.Equal(t, 0, h.SubscriberCount("p1"))
	h.Broadcast("p1", mustEnvelope(t, protocol.TypeStats, "", nil))
	requireNoFrame(t, s)
}

func TestClearProjectResetsMembers(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, nil)
	s1 := addSession(t, h, "s1", "10.0.0.1", 4)
	s2 := addSession(t, h, "s2", "10.0.0.2", 4)
	h.Join(s1, "p1")
	h.Join(s2, "p1")

	h.ClearProject("p1")

	assert.Equal(t, 0, h.SubscriberCount("p1"))
	assert.Empty(t, h.JoinedProject(s1))
	assert.Empty(t, h.JoinedProject(s2))

	// Members can join something else afterwards.
	h.Join(s1, "p2")
	assert.Equal(t, 1, h.SubscriberCount("p2"))
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, nil)
	s1 := addSession(t, h, "s1", "10.0.0.1", 4)
	s2 := addSession(t, h, "s2", "10.0.0.2", 4)
	h.Join(s1, "p1")
	h.Join(s2, "p2")

	h.Broadcast("p1", mustEnvelope(t, protocol.TypeProjectState, "p1", nil))

	env := recvFrame(t, s1)
	assert.Equal(t, protocol.TypeProjectState, env.Type)
	assert.Equal(t, "p1", env.ProjectID)
	requireNoFrame(t, s2)
}

func TestBroadcastAllReachesEverySession(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, nil, nil)
	s1 := addSession(t, h, "s1", "10.0.0.1", 4)
	s2 := addSession(t, h, "s2", "10.0.0.2", 4)

	h.BroadcastAll(mustEnvelope(t, protocol.TypeStats, "", protocol.StatsData{Connections: 2}))

	for _, s := range []*Session{s1, s2} {
		env := recvFrame(t, s)
		assert.Equal(t, protocol.TypeStats, env.Type)
	}
}

func TestBroadcastEvictsSessionWithFullQueue(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	h := newTestHub(t, rec, nil)
	slow := addSession(t, h, "slow", "10.0.0.1", 1)
	fast := addSession(t, h, "fast", "10.0.0.2", 4)
	h.Join(slow, "p1")
	h.Join(fast, "p1")

	// Fill the slow session's queue so the next frame cannot be enqueued.
	require.True(t, slow.enqueue([]byte(`{}`)))

	h.Broadcast("p1", mustEnvelope(t, protocol.TypeProjectState, "p1", nil))

	assert.Equal(t, 1, h.SessionCount())
	assert.Equal(t, 1, h.SubscriberCount("p1"))
	select {
	case <-slow.done:
	default:
		t.Fatal("evicted session not cleaned up")
	}
	_, _, evicted, _ := rec.snapshot()
	assert.Equal(t, 1, evicted)

	// The healthy subscriber still got the frame.
	env := recvFrame(t, fast)
	assert.Equal(t, protocol.TypeProjectState, env.Type)
}

func TestSendToDeliversSingleFrame(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	h := newTestHub(t, rec, nil)
	s := addSession(t, h, "s1", "10.0.0.1", 4)

	h.SendTo(s, mustEnvelope(t, protocol.TypePong, "", protocol.PongData{Timestamp: time.Now().UTC()}))

	env := recvFrame(t, s)
	assert.Equal(t, protocol.TypePong, env.Type)
	_, _, _, sent := rec.snapshot()
	assert.Equal(t, 1, sent)
}

func TestShutdownCleansAllSessions(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	h := newTestHub(t, rec, nil)
	addSession(t, h, "s1", "10.0.0.1", 4)
	addSession(t, h, "s2", "10.0.0.2", 4)

	h.Shutdown()

	assert.Equal(t, 0, h.SessionCount())
	opened, closed, _, _ := rec.snapshot()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed)
}
