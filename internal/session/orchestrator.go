package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/metrics"
	"github.com/movin10/talktime/internal/quota"
	"github.com/movin10/talktime/internal/token"
	"github.com/movin10/talktime/internal/usage"
	"github.com/movin10/talktime/internal/voice"
	"github.com/rs/zerolog"
)

// Outcome is the result of a start request.
type Outcome string

const (
	// OutcomeStarted means the voice session is connecting.
	OutcomeStarted Outcome = "started"

	// OutcomeRequireAuthentication means a guest exhausted the free
	// quota and must sign in to continue.
	OutcomeRequireAuthentication Outcome = "require_authentication"

	// OutcomeRequireUpgrade means an authenticated user exhausted the
	// free quota and must upgrade.
	OutcomeRequireUpgrade Outcome = "require_upgrade"

	// OutcomeConnectionError means token issuance or the voice connect
	// failed. The caller may retry manually.
	OutcomeConnectionError Outcome = "connection_error"
)

// Event is an asynchronous orchestrator event: a mid-session quota
// escalation or a transport drop.
type Event struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// View is the state snapshot the presentation layer renders.
type View struct {
	Identity         string      `json:"identity"`
	Active           bool        `json:"active"`
	SessionSeconds   int         `json:"session_seconds"`
	MinutesUsed      int         `json:"minutes_used"`
	RemainingMinutes int         `json:"remaining_minutes"`
	Exceeded         bool        `json:"exceeded"`
	VoiceState       voice.State `json:"voice_state"`
	Speaking         bool        `json:"speaking"`
	AudioLevel       float64     `json:"audio_level"`
	Participants     []string    `json:"participants"`
}

// Orchestrator drives one identity's practice sessions: it gates starts
// on the quota, acquires room tokens, owns the session clock and the
// one-second tick loop, and stops the session exactly once when the
// quota is crossed mid-session.
type Orchestrator struct {
	id         identity.Identity
	meter      *usage.Meter
	policy     *quota.Policy
	issuer     token.Issuer
	controller *voice.Controller
	logger     zerolog.Logger

	// tickInterval is lowered in tests.
	tickInterval time.Duration

	events chan Event

	mu             sync.Mutex
	active         bool
	escalated      bool
	sessionSeconds int
	minutesUsed    int
	exceeded       bool
	cancelTick     context.CancelFunc
	startedAt      time.Time
}

// NewOrchestrator creates an orchestrator for one identity.
func NewOrchestrator(id identity.Identity, meter *usage.Meter, policy *quota.Policy, issuer token.Issuer, controller *voice.Controller, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		id:           id,
		meter:        meter,
		policy:       policy,
		issuer:       issuer,
		controller:   controller,
		logger:       logger.With().Str("component", "orchestrator").Str("identity", id.Key()).Logger(),
		tickInterval: time.Second,
		events:       make(chan Event, 16),
	}
}

// Events yields asynchronous escalation and drop events.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// RequestStart begins a practice session if the quota allows it.
// Exhausted guests get OutcomeRequireAuthentication, exhausted
// authenticated users OutcomeRequireUpgrade; neither starts a session.
// Token issuance and connect failures yield OutcomeConnectionError.
func (o *Orchestrator) RequestStart(ctx context.Context) (Outcome, error) {
	record := o.meter.Load(ctx, o.id)

	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return OutcomeConnectionError, voice.ErrAlreadyActive
	}
	// The session clock resumes from the persisted minute value; seconds
	// inside a partially used minute are not carried across sessions.
	o.sessionSeconds = record.MinutesUsed * 60
	o.minutesUsed = record.MinutesUsed
	o.exceeded = o.policy.Exceeded(o.sessionSeconds)
	o.escalated = false
	exceeded := o.exceeded
	o.mu.Unlock()

	if exceeded {
		outcome := o.escalationOutcome()
		metrics.QuotaEscalations.WithLabelValues(string(outcome)).Inc()
		o.logger.Info().Str("outcome", string(outcome)).Int("minutes_used", record.MinutesUsed).Msg("Start refused, quota exhausted")
		return outcome, nil
	}

	// Notifications left over from a previous connection (a drop racing a
	// manual stop) must not reach the new session's run loop.
	o.drainNotifications()

	roomName := "practice-" + uuid.NewString()
	roomToken, err := o.issuer.IssueToken(ctx, roomName, o.id.ParticipantName())
	if err != nil {
		metrics.TokenIssueFailures.Inc()
		o.logger.Error().Err(err).Msg("Token issuance failed")
		return OutcomeConnectionError, err
	}

	if err := o.controller.Start(ctx, roomToken, roomName); err != nil {
		metrics.ConnectFailures.Inc()
		o.logger.Error().Err(err).Msg("Voice connect failed")
		return OutcomeConnectionError, err
	}

	tickCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.active = true
	o.cancelTick = cancel
	o.startedAt = time.Now()
	o.mu.Unlock()

	go o.run(tickCtx)

	metrics.SessionsStarted.WithLabelValues(string(o.id.Kind())).Inc()
	metrics.ActiveSessions.Inc()
	o.logger.Info().Str("room", roomName).Msg("Practice session started")

	return OutcomeStarted, nil
}

// RequestStop halts the session clock and tears the voice session down.
// Safe to call at any time, including when no session is active.
func (o *Orchestrator) RequestStop() {
	o.stop("requested")
}

// Snapshot returns the current view for the presentation layer.
func (o *Orchestrator) Snapshot() View {
	vs := o.controller.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()

	return View{
		Identity:         o.id.Key(),
		Active:           o.active,
		SessionSeconds:   o.sessionSeconds,
		MinutesUsed:      o.minutesUsed,
		RemainingMinutes: o.policy.Remaining(o.minutesUsed),
		Exceeded:         o.exceeded,
		VoiceState:       vs.State,
		Speaking:         vs.Speaking,
		AudioLevel:       vs.AudioLevel,
		Participants:     vs.Participants,
	}
}

// run is the per-session background loop: one tick per second drives the
// session clock and the usage meter, and controller notifications surface
// transport drops. It exits when the session stops.
func (o *Orchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case n := <-o.controller.Notifications():
			switch n.Kind {
			case voice.NotifyDropped:
				o.logger.Warn().Str("reason", n.Reason).Msg("Session dropped by transport")
				o.stop("transport_drop")
				o.emit(Event{Outcome: OutcomeConnectionError, Reason: n.Reason})
				return
			case voice.NotifyConnected:
				// State change is visible through the snapshot.
			}

		case <-ticker.C:
			if crossed := o.tick(ctx); crossed {
				outcome := o.escalationOutcome()
				o.stop("quota_exceeded")
				metrics.QuotaEscalations.WithLabelValues(string(outcome)).Inc()
				o.emit(Event{Outcome: outcome})
				o.logger.Info().Str("outcome", string(outcome)).Msg("Quota crossed mid-session")
				return
			}
		}
	}
}

// tick advances the session clock by one second and reports whether this
// tick crossed the quota boundary. Exactly one tick returns true per
// session.
func (o *Orchestrator) tick(ctx context.Context) bool {
	o.mu.Lock()
	if ctx.Err() != nil || !o.active {
		// Stopped between the ticker firing and the clock mutation.
		o.mu.Unlock()
		return false
	}
	o.sessionSeconds++
	elapsed := o.sessionSeconds
	o.mu.Unlock()

	minutes, exceeded := o.meter.Tick(ctx, o.id, elapsed, o.policy)

	o.mu.Lock()
	o.minutesUsed = minutes
	crossed := exceeded && !o.exceeded && !o.escalated
	if crossed {
		o.escalated = true
	}
	o.exceeded = exceeded
	o.mu.Unlock()

	return crossed
}

func (o *Orchestrator) drainNotifications() {
	for {
		select {
		case <-o.controller.Notifications():
		default:
			return
		}
	}
}

func (o *Orchestrator) stop(reason string) {
	o.mu.Lock()
	wasActive := o.active
	o.active = false
	if o.cancelTick != nil {
		o.cancelTick()
		o.cancelTick = nil
	}
	startedAt := o.startedAt
	o.mu.Unlock()

	o.controller.Stop()

	if wasActive {
		metrics.ActiveSessions.Dec()
		metrics.SessionsStopped.WithLabelValues(reason).Inc()
		if !startedAt.IsZero() {
			metrics.SessionDuration.Observe(time.Since(startedAt).Seconds())
		}
		o.logger.Info().Str("reason", reason).Msg("Practice session stopped")
	}
}

// escalationOutcome maps the identity variant to its escalation, keyed
// on the identity at the moment of crossing.
func (o *Orchestrator) escalationOutcome() Outcome {
	if o.id.IsGuest() {
		return OutcomeRequireAuthentication
	}
	return OutcomeRequireUpgrade
}

func (o *Orchestrator) emit(e Event) {
	select {
	case o.events <- e:
	default:
	}
}
