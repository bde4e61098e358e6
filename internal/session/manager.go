package session

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/quota"
	"github.com/movin10/talktime/internal/token"
	"github.com/movin10/talktime/internal/usage"
	"github.com/movin10/talktime/internal/voice"
	"github.com/rs/zerolog"
)

// DefaultManagerSize bounds how many per-identity orchestrators are kept
// live. Guests are unbounded in number, so eviction keeps memory flat.
const DefaultManagerSize = 1024

// Manager hands out one orchestrator per identity. Orchestrators live in
// an LRU cache; evicting one stops any session it still runs.
type Manager struct {
	cache     *lru.Cache[string, *Orchestrator]
	meter     *usage.Meter
	policy    *quota.Policy
	issuer    token.Issuer
	transport voice.Transport
	serverURL string
	logger    zerolog.Logger
}

// Config holds manager construction parameters.
type Config struct {
	Size           int
	VoiceServerURL string
}

// NewManager creates a session manager.
func NewManager(cfg Config, meter *usage.Meter, policy *quota.Policy, issuer token.Issuer, transport voice.Transport, logger zerolog.Logger) (*Manager, error) {
	size := cfg.Size
	if size <= 0 {
		size = DefaultManagerSize
	}

	m := &Manager{
		meter:     meter,
		policy:    policy,
		issuer:    issuer,
		transport: transport,
		serverURL: cfg.VoiceServerURL,
		logger:    logger.With().Str("component", "session-manager").Logger(),
	}

	cache, err := lru.NewWithEvict(size, func(key string, o *Orchestrator) {
		m.logger.Debug().Str("identity", key).Msg("Evicting idle orchestrator")
		o.RequestStop()
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator cache: %w", err)
	}
	m.cache = cache

	return m, nil
}

// For returns the orchestrator for an identity, creating it on first use.
func (m *Manager) For(id identity.Identity) *Orchestrator {
	if o, ok := m.cache.Get(id.Key()); ok {
		return o
	}

	controller := voice.NewController(m.transport, m.serverURL, m.logger)
	o := NewOrchestrator(id, m.meter, m.policy, m.issuer, controller, m.logger)
	if existing, ok, _ := m.cache.PeekOrAdd(id.Key(), o); ok {
		return existing
	}
	return o
}

// Close stops every live session.
func (m *Manager) Close() {
	for _, key := range m.cache.Keys() {
		if o, ok := m.cache.Peek(key); ok {
			o.RequestStop()
		}
	}
	m.cache.Purge()
}
