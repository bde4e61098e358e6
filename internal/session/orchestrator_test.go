package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/quota"
	"github.com/movin10/talktime/internal/storage"
	"github.com/movin10/talktime/internal/usage"
	"github.com/movin10/talktime/internal/voice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var sessionTestDay = time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

const sessionTestDate = "2026-08-31"

type memStore struct {
	mu      sync.Mutex
	records map[string]storage.UsageRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]storage.UsageRecord)}
}

func (s *memStore) GetRecord(ctx context.Context, key string) (*storage.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &record, nil
}

func (s *memStore) PutRecord(ctx context.Context, key string, record storage.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memStore) DeleteRecordsBefore(ctx context.Context, cutoffDate string) (int, error) {
	return 0, nil
}

type stubIssuer struct {
	mu     sync.Mutex
	err    error
	issued int
}

func (i *stubIssuer) IssueToken(ctx context.Context, roomName, participantName string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return "", i.err
	}
	i.issued++
	return "token-" + roomName, nil
}

func (i *stubIssuer) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issued
}

type stubConn struct {
	events chan voice.Event
	once   sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{events: make(chan voice.Event, 16)}
}

func (c *stubConn) Events() <-chan voice.Event { return c.events }
func (c *stubConn) EnableMicrophone() error    { return nil }
func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

type stubTransport struct {
	mu   sync.Mutex
	conn *stubConn
	err  error
}

// Connect hands out the configured conn with the join already
// acknowledged, then arms a fresh conn for the next dial.
func (t *stubTransport) Connect(ctx context.Context, serverURL, token string) (voice.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	conn := t.conn
	if conn == nil {
		conn = newStubConn()
	}
	conn.events <- voice.ConnectedEvent{}
	t.conn = nil
	return conn, nil
}

type orchFixture struct {
	orch      *Orchestrator
	meter     *usage.Meter
	store     *memStore
	issuer    *stubIssuer
	transport *stubTransport
}

func newOrchFixture(t *testing.T, id identity.Identity) *orchFixture {
	t.Helper()

	store := newMemStore()
	clock := &quota.TestClock{CurrentTime: sessionTestDay}
	meter := usage.NewMeter(store, store, clock, zerolog.Nop())
	t.Cleanup(meter.Close)

	policy := quota.NewPolicy(quota.DailyFreeMinutes)
	issuer := &stubIssuer{}
	transport := &stubTransport{conn: newStubConn()}
	controller := voice.NewController(transport, "wss://voice.test", zerolog.Nop())

	orch := NewOrchestrator(id, meter, policy, issuer, controller, zerolog.Nop())
	// Most tests never want the clock to advance on its own; crossing
	// tests lower this before starting.
	orch.tickInterval = time.Hour
	t.Cleanup(orch.RequestStop)

	return &orchFixture{
		orch:      orch,
		meter:     meter,
		store:     store,
		issuer:    issuer,
		transport: transport,
	}
}

func TestRequestStart_FreshGuest(t *testing.T) {
	guest := identity.Guest("device-1")
	f := newOrchFixture(t, guest)

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)
	require.Equal(t, 1, f.issuer.count())

	view := f.orch.Snapshot()
	require.True(t, view.Active)
	require.Equal(t, 0, view.MinutesUsed)
	require.Equal(t, quota.DailyFreeMinutes, view.RemainingMinutes)
	require.False(t, view.Exceeded)
}

func TestRequestStart_WhileActive(t *testing.T) {
	f := newOrchFixture(t, identity.Guest("device-1"))

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	outcome, err = f.orch.RequestStart(context.Background())
	require.ErrorIs(t, err, voice.ErrAlreadyActive)
	require.Equal(t, OutcomeConnectionError, outcome)
}

func TestRequestStart_ExhaustedGuest(t *testing.T) {
	guest := identity.Guest("device-1")
	f := newOrchFixture(t, guest)
	f.store.records[guest.Key()] = storage.UsageRecord{
		Date:        sessionTestDate,
		MinutesUsed: quota.DailyFreeMinutes,
		Visits:      2,
	}

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeRequireAuthentication, outcome)

	// No token was minted and no connection attempted.
	require.Equal(t, 0, f.issuer.count())
	require.False(t, f.orch.Snapshot().Active)
}

func TestRequestStart_ExhaustedAuthenticated(t *testing.T) {
	user := identity.Authenticated("alice")
	f := newOrchFixture(t, user)
	f.store.records[user.Key()] = storage.UsageRecord{
		Date:        sessionTestDate,
		MinutesUsed: quota.DailyFreeMinutes,
		Visits:      1,
	}

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeRequireUpgrade, outcome)
}

func TestRequestStart_NewDayAfterExhaustion(t *testing.T) {
	guest := identity.Guest("device-1")
	f := newOrchFixture(t, guest)
	// Exhausted yesterday: the rollover grants a fresh allowance.
	f.store.records[guest.Key()] = storage.UsageRecord{
		Date:        "2026-08-30",
		MinutesUsed: quota.DailyFreeMinutes,
		Visits:      5,
	}

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	view := f.orch.Snapshot()
	require.Equal(t, 0, view.MinutesUsed)
}

func TestRequestStart_TokenFailure(t *testing.T) {
	f := newOrchFixture(t, identity.Guest("device-1"))
	f.issuer.err = errors.New("issuer unavailable")

	outcome, err := f.orch.RequestStart(context.Background())
	require.Error(t, err)
	require.Equal(t, OutcomeConnectionError, outcome)
	require.False(t, f.orch.Snapshot().Active)
}

func TestRequestStart_ConnectFailure(t *testing.T) {
	f := newOrchFixture(t, identity.Guest("device-1"))
	f.transport.err = errors.New("dial refused")

	outcome, err := f.orch.RequestStart(context.Background())
	require.ErrorIs(t, err, voice.ErrConnect)
	require.Equal(t, OutcomeConnectionError, outcome)
	require.False(t, f.orch.Snapshot().Active)
}

func TestRequestStop(t *testing.T) {
	f := newOrchFixture(t, identity.Guest("device-1"))

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	f.orch.RequestStop()

	view := f.orch.Snapshot()
	require.False(t, view.Active)
	require.Equal(t, voice.StateDisconnected, view.VoiceState)

	// Stopping again is harmless.
	f.orch.RequestStop()

	// A stopped orchestrator accepts a fresh start.
	f.transport.mu.Lock()
	f.transport.conn = newStubConn()
	f.transport.mu.Unlock()
	outcome, err = f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)
}

func TestMidSessionQuotaCrossing(t *testing.T) {
	guest := identity.Guest("device-1")
	f := newOrchFixture(t, guest)
	f.orch.tickInterval = time.Millisecond
	// One minute of allowance left.
	f.store.records[guest.Key()] = storage.UsageRecord{
		Date:        sessionTestDate,
		MinutesUsed: quota.DailyFreeMinutes - 1,
		Visits:      1,
	}

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	select {
	case ev := <-f.orch.Events():
		require.Equal(t, OutcomeRequireAuthentication, ev.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation event")
	}

	require.Eventually(t, func() bool {
		view := f.orch.Snapshot()
		return !view.Active && view.VoiceState == voice.StateDisconnected
	}, 2*time.Second, time.Millisecond, "session not stopped after crossing")

	view := f.orch.Snapshot()
	require.True(t, view.Exceeded)
	require.Equal(t, 0, view.RemainingMinutes)

	// The escalation fires exactly once.
	select {
	case ev := <-f.orch.Events():
		t.Fatalf("second event %+v, want none", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMidSessionQuotaCrossing_Authenticated(t *testing.T) {
	user := identity.Authenticated("alice")
	f := newOrchFixture(t, user)
	f.orch.tickInterval = time.Millisecond
	f.store.records[user.Key()] = storage.UsageRecord{
		Date:        sessionTestDate,
		MinutesUsed: quota.DailyFreeMinutes - 1,
		Visits:      1,
	}

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	select {
	case ev := <-f.orch.Events():
		require.Equal(t, OutcomeRequireUpgrade, ev.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation event")
	}
}

func TestTransportDropEmitsConnectionError(t *testing.T) {
	f := newOrchFixture(t, identity.Guest("device-1"))

	conn := newStubConn()
	f.transport.mu.Lock()
	f.transport.conn = conn
	f.transport.mu.Unlock()

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	require.Eventually(t, func() bool {
		return f.orch.Snapshot().VoiceState == voice.StateConnected
	}, 2*time.Second, time.Millisecond)

	conn.events <- voice.DisconnectedEvent{Reason: "server going away"}

	select {
	case ev := <-f.orch.Events():
		require.Equal(t, OutcomeConnectionError, ev.Outcome)
		require.Equal(t, "server going away", ev.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no drop event")
	}

	require.Eventually(t, func() bool {
		return !f.orch.Snapshot().Active
	}, 2*time.Second, time.Millisecond)
}

func TestRestartAfterDropIgnoresStaleNotifications(t *testing.T) {
	f := newOrchFixture(t, identity.Guest("device-1"))

	// Repeatedly race a transport drop against a manual stop so a drop
	// notification can be left sitting in the controller's buffer.
	for i := 0; i < 20; i++ {
		conn := newStubConn()
		f.transport.mu.Lock()
		f.transport.conn = conn
		f.transport.mu.Unlock()

		outcome, err := f.orch.RequestStart(context.Background())
		require.NoError(t, err)
		require.Equal(t, OutcomeStarted, outcome)

		conn.events <- voice.DisconnectedEvent{Reason: "transport drop"}
		f.orch.RequestStop()
	}

	// Let any in-flight run loop finish, then clear the events it emitted.
	time.Sleep(20 * time.Millisecond)
	for {
		select {
		case <-f.orch.Events():
			continue
		default:
		}
		break
	}

	f.transport.mu.Lock()
	f.transport.conn = newStubConn()
	f.transport.mu.Unlock()

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	// The fresh session must survive whatever the earlier drops left behind.
	time.Sleep(50 * time.Millisecond)
	require.True(t, f.orch.Snapshot().Active)
	select {
	case ev := <-f.orch.Events():
		t.Fatalf("stale event surfaced on the new session: %+v", ev)
	default:
	}
}

func TestSessionClockResumesFromPersistedMinutes(t *testing.T) {
	guest := identity.Guest("device-1")
	f := newOrchFixture(t, guest)
	f.store.records[guest.Key()] = storage.UsageRecord{
		Date:        sessionTestDate,
		MinutesUsed: 4,
		Visits:      1,
	}

	outcome, err := f.orch.RequestStart(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	view := f.orch.Snapshot()
	require.Equal(t, 4*60, view.SessionSeconds)
	require.Equal(t, 4, view.MinutesUsed)
	require.Equal(t, quota.DailyFreeMinutes-4, view.RemainingMinutes)
}

func TestManagerReusesOrchestratorPerIdentity(t *testing.T) {
	store := newMemStore()
	clock := &quota.TestClock{CurrentTime: sessionTestDay}
	meter := usage.NewMeter(store, store, clock, zerolog.Nop())
	t.Cleanup(meter.Close)

	mgr, err := NewManager(Config{Size: 8, VoiceServerURL: "wss://voice.test"},
		meter, quota.NewPolicy(quota.DailyFreeMinutes), &stubIssuer{}, &stubTransport{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	guest := identity.Guest("device-1")
	other := identity.Guest("device-2")

	first := mgr.For(guest)
	require.Same(t, first, mgr.For(guest))
	require.NotSame(t, first, mgr.For(other))
}
