package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/metrics"
	"github.com/movin10/talktime/internal/quota"
	"github.com/movin10/talktime/internal/storage"
	"github.com/rs/zerolog"
)

// writeTimeout bounds a single background persistence write.
const writeTimeout = 5 * time.Second

// Meter tracks elapsed practice time per identity and keeps the persisted
// usage record in step with it. Authenticated identities persist to the
// remote store, guests to the local store; when the remote store fails the
// identity is degraded to the local store, and if that fails too the meter
// carries on with an in-memory record. Store errors never reach the caller.
type Meter struct {
	remote storage.UsageStore
	local  storage.UsageStore
	clock  quota.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*meterState
	wg     sync.WaitGroup
	closed bool
}

// meterState is the per-identity metering state. Writes for one identity
// are serialized through its writer goroutine; the channel holds at most
// one pending record and newer writes replace it (last-write-wins).
type meterState struct {
	record           storage.UsageRecord
	persistedMinutes int
	degraded         bool // remote store failed, writes go local
	writes           chan storage.UsageRecord
}

// NewMeter creates a usage meter over the two store backends.
func NewMeter(remote, local storage.UsageStore, clock quota.Clock, logger zerolog.Logger) *Meter {
	if clock == nil {
		clock = quota.RealClock{}
	}
	return &Meter{
		remote: remote,
		local:  local,
		clock:  clock,
		logger: logger.With().Str("component", "usage-meter").Logger(),
		states: make(map[string]*meterState),
	}
}

// Load reads the usage record for an identity, creating it on first use
// and rolling it over when its date is stale. It never fails: store
// errors degrade to the local store and then to an in-memory zero record.
func (m *Meter) Load(ctx context.Context, id identity.Identity) storage.UsageRecord {
	today := m.today()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(id)

	store := m.storeForLocked(id, st)
	record, err := store.GetRecord(ctx, id.Key())

	if err != nil && !errors.Is(err, storage.ErrNotFound) && !id.IsGuest() && !st.degraded {
		// Remote store unreachable: degrade this identity to the local
		// fallback store for the rest of the meter's lifetime.
		m.logger.Error().Err(err).Str("identity", id.Key()).Msg("Remote usage store failed, falling back to local store")
		metrics.PersistenceFallbacks.WithLabelValues("load").Inc()
		st.degraded = true
		record, err = m.local.GetRecord(ctx, id.Key())
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		record = &storage.UsageRecord{Date: today, MinutesUsed: 0, Visits: 1}
		m.persistLocked(ctx, id, st, *record)
	case err != nil:
		m.logger.Error().Err(err).Str("identity", id.Key()).Msg("Usage store read failed, using in-memory record")
		metrics.PersistenceFallbacks.WithLabelValues("load").Inc()
		record = &storage.UsageRecord{Date: today, MinutesUsed: 0, Visits: 1}
	case record.Date != today:
		// Day rollover: reset minutes, count the visit, persist once.
		record = &storage.UsageRecord{Date: today, MinutesUsed: 0, Visits: record.Visits + 1}
		m.persistLocked(ctx, id, st, *record)
	}

	st.record = *record
	st.persistedMinutes = record.MinutesUsed
	return *record
}

// Tick advances the meter for an active session. elapsedSeconds is the
// session clock including any minutes already used today. The minute
// value is persisted only when it changes; writes are asynchronous and
// serialized per identity. Returns the current minute count and whether
// the quota policy considers the elapsed time exceeded.
func (m *Meter) Tick(ctx context.Context, id identity.Identity, elapsedSeconds int, policy *quota.Policy) (int, bool) {
	minutes := elapsedSeconds / 60
	exceeded := policy.Exceeded(elapsedSeconds)

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(id)

	if minutes != st.persistedMinutes {
		if minutes > st.persistedMinutes {
			metrics.UsageMinutesConsumed.WithLabelValues(string(id.Kind())).Add(float64(minutes - st.persistedMinutes))
		}
		st.persistedMinutes = minutes
		st.record.Date = m.today()
		st.record.MinutesUsed = minutes
		m.enqueueWriteLocked(id, st, st.record)
	}

	return minutes, exceeded
}

// Record returns the current in-memory record for an identity without
// touching storage. The second return is false if the identity was never
// loaded.
func (m *Meter) Record(id identity.Identity) (storage.UsageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id.Key()]
	if !ok {
		return storage.UsageRecord{}, false
	}
	return st.record, true
}

// Close stops all background writers and waits for pending writes.
func (m *Meter) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, st := range m.states {
		if st.writes != nil {
			close(st.writes)
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Meter) today() string {
	return m.clock.Now().Format(storage.DateLayout)
}

func (m *Meter) stateLocked(id identity.Identity) *meterState {
	st, ok := m.states[id.Key()]
	if !ok {
		st = &meterState{}
		m.states[id.Key()] = st
	}
	return st
}

func (m *Meter) storeForLocked(id identity.Identity, st *meterState) storage.UsageStore {
	if id.IsGuest() || st.degraded {
		return m.local
	}
	return m.remote
}

// persistLocked writes a record synchronously, degrading on failure.
// Used by Load, where the reset/create must be durable before returning.
func (m *Meter) persistLocked(ctx context.Context, id identity.Identity, st *meterState, record storage.UsageRecord) {
	store := m.storeForLocked(id, st)
	if err := store.PutRecord(ctx, id.Key(), record); err != nil {
		m.logger.Error().Err(err).Str("identity", id.Key()).Msg("Usage store write failed")
		metrics.PersistenceFallbacks.WithLabelValues("put").Inc()
		if !id.IsGuest() && !st.degraded {
			st.degraded = true
			if err := m.local.PutRecord(ctx, id.Key(), record); err != nil {
				m.logger.Error().Err(err).Str("identity", id.Key()).Msg("Local fallback write failed")
			}
		}
	}
}

// enqueueWriteLocked hands a record to the identity's writer goroutine.
// The caller's tick path never blocks on the store: at most one record
// sits in the channel and a newer one replaces it.
func (m *Meter) enqueueWriteLocked(id identity.Identity, st *meterState, record storage.UsageRecord) {
	if m.closed {
		return
	}

	if st.writes == nil {
		st.writes = make(chan storage.UsageRecord, 1)
		m.wg.Add(1)
		go m.writeLoop(id, st.writes)
	}

	for {
		select {
		case st.writes <- record:
			return
		default:
		}
		// Channel full: drop the superseded record and retry.
		select {
		case <-st.writes:
		default:
		}
	}
}

// writeLoop serializes persistence writes for one identity.
func (m *Meter) writeLoop(id identity.Identity, writes <-chan storage.UsageRecord) {
	defer m.wg.Done()

	for record := range writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)

		m.mu.Lock()
		st := m.states[id.Key()]
		store := m.storeForLocked(id, st)
		m.mu.Unlock()

		if err := store.PutRecord(ctx, id.Key(), record); err != nil {
			m.logger.Error().
				Err(err).
				Str("identity", id.Key()).
				Int("minutes_used", record.MinutesUsed).
				Msg("Background usage write failed")
			metrics.PersistenceFallbacks.WithLabelValues("put").Inc()

			m.mu.Lock()
			if !id.IsGuest() && !st.degraded {
				st.degraded = true
			}
			m.mu.Unlock()
		} else {
			m.logger.Debug().
				Str("identity", id.Key()).
				Int("minutes_used", record.MinutesUsed).
				Msg("Persisted usage record")
		}

		cancel()
	}
}
