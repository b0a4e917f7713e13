package sma

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callforward/internal/database"
)

// Call outcomes, as counted by OutcomeCounts.
const (
	OutcomeForwarded  = "forwarded"
	OutcomeAnswered   = "answered"
	OutcomeRejected   = "rejected"
	OutcomeDuplicate  = "duplicate"
	OutcomeSuperseded = "superseded"
	OutcomeBridgeFail = "bridge_failed"
)

// attrCallState is the transaction attribute the session state is echoed in.
const attrCallState = "CallState"

// Config holds the call decision settings.
type Config struct {
	AudioBucket    string
	GreetingKey    string
	UnavailableKey string
	RingbackKey    string // empty disables the ringback tone

	// LoopGreeting repeats the greeting GreetingRepeat times and hangs up
	// once playback completes.
	LoopGreeting   bool
	GreetingRepeat int

	BridgeTimeout time.Duration
	StoreTimeout  time.Duration
}

// Handler runs the per-call state machine.
type Handler struct {
	rules    database.ForwardingRuleRepository
	sessions *Tracker
	cfg      Config
	logger   *slog.Logger

	forwarded  atomic.Uint64
	answered   atomic.Uint64
	rejected   atomic.Uint64
	duplicate  atomic.Uint64
	superseded atomic.Uint64
	bridgeFail atomic.Uint64
}

// NewHandler creates a call event handler reading rules and tracking
// sessions in sessions.
func NewHandler(rules database.ForwardingRuleRepository, sessions *Tracker, cfg Config, logger *slog.Logger) *Handler {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.BridgeTimeout <= 0 {
		cfg.BridgeTimeout = 30 * time.Second
	}
	if cfg.GreetingRepeat <= 0 {
		cfg.GreetingRepeat = 5
	}
	return &Handler{
		rules:    rules,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With("subsystem", "sma"),
	}
}

// Sessions returns the handler's session tracker.
func (h *Handler) Sessions() *Tracker {
	return h.sessions
}

// OutcomeCounts returns the number of calls per outcome since start.
func (h *Handler) OutcomeCounts() map[string]uint64 {
	return map[string]uint64{
		OutcomeForwarded:  h.forwarded.Load(),
		OutcomeAnswered:   h.answered.Load(),
		OutcomeRejected:   h.rejected.Load(),
		OutcomeDuplicate:  h.duplicate.Load(),
		OutcomeSuperseded: h.superseded.Load(),
		OutcomeBridgeFail: h.bridgeFail.Load(),
	}
}

// Dispatch handles one event and returns the actions for it. It never
// returns nil; events that need no action get an empty action list.
func (h *Handler) Dispatch(ctx context.Context, ev *Event) *Response {
	log := h.logger.With(
		"transaction_id", ev.CallDetails.TransactionID,
		"event_type", string(ev.InvocationEventType),
		"sequence", ev.Sequence,
	)

	switch ev.InvocationEventType {
	case EventNewInboundCall:
		return h.newInboundCall(ctx, ev, log)
	case EventActionsSuccessful:
		return h.actionsSuccessful(ev, log)
	case EventActionFailed, EventInvalidLambdaResponse:
		return h.actionFailed(ev, log)
	case EventHangup:
		return h.hangup(ev, log)
	default:
		log.Debug("event needs no action")
		return h.respond(ev, h.currentState(ev), nil)
	}
}

func (h *Handler) newInboundCall(ctx context.Context, ev *Event, log *slog.Logger) *Response {
	legA := ev.Participant(LegA)
	if legA == nil {
		log.Warn("new inbound call without caller leg")
		return h.respond(ev, "", nil)
	}
	log = log.With("dialed_number", legA.To, "caller_number", legA.From)

	sess, ok := h.sessions.Begin(ev.CallDetails.TransactionID, legA.To, legA.From)
	if !ok {
		h.duplicate.Add(1)
		log.Info("duplicate new inbound call ignored", "state", string(sess.State()))
		return h.respond(ev, sess.State(), nil)
	}

	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	rule, err := h.rules.Get(storeCtx, legA.To)
	cancel()

	var (
		next      State
		forwardTo string
		actions   []Action
	)
	switch {
	case errors.Is(err, database.ErrRuleNotFound):
		log.Warn("no forwarding rule for dialed number, playing unavailable prompt")
		next, actions = StateRejecting, h.rejectActions(legA)
	case err != nil:
		log.Warn("forwarding rule lookup failed", "error", err)
		next, actions = StateRejecting, h.rejectActions(legA)
	case rule.Forwarding():
		next, forwardTo = StateForwarding, rule.ForwardToNumber
		actions = []Action{h.bridgeAction(legA, rule.ForwardToNumber)}
	default:
		next, actions = StateAnswering, h.answerActions(legA)
	}

	if !sess.decide(next, forwardTo) {
		h.superseded.Add(1)
		log.Info("call ended while deciding, decision discarded", "decision", string(next))
		return h.respond(ev, sess.State(), nil)
	}

	switch next {
	case StateForwarding:
		h.forwarded.Add(1)
		log.Info("forwarding call", "forward_to_number", forwardTo)
	case StateAnswering:
		h.answered.Add(1)
		log.Info("answering call with greeting", "loop", h.cfg.LoopGreeting)
	default:
		h.rejected.Add(1)
	}
	return h.respond(ev, next, actions)
}

func (h *Handler) actionsSuccessful(ev *Event, log *slog.Logger) *Response {
	sess, ok := h.sessions.Get(ev.CallDetails.TransactionID)
	if !ok {
		log.Debug("actions successful for unknown session")
		return h.respond(ev, "", nil)
	}

	switch sess.State() {
	case StateForwarding:
		sess.advance(StateTerminated)
		log.Info("call bridged", "forward_to_number", sess.ForwardTo())
		return h.respond(ev, StateTerminated, nil)
	case StateAnswering:
		if h.cfg.LoopGreeting {
			if legA := ev.Participant(LegA); legA != nil && sess.advance(StateTerminated) {
				return h.respond(ev, StateTerminated, []Action{hangup(legA)})
			}
		}
	}
	return h.respond(ev, sess.State(), nil)
}

func (h *Handler) actionFailed(ev *Event, log *slog.Logger) *Response {
	sess, ok := h.sessions.Get(ev.CallDetails.TransactionID)
	if !ok {
		log.Warn("action failed for unknown session", "error_type", ev.ErrorType)
		return h.respond(ev, "", nil)
	}

	legA := ev.Participant(LegA)
	if sess.State() == StateForwarding && legA != nil && sess.advance(StateRejecting) {
		h.bridgeFail.Add(1)
		log.Warn("bridge failed, playing unavailable prompt",
			"forward_to_number", sess.ForwardTo(),
			"error_type", ev.ErrorType,
			"error_message", ev.ErrorMessage,
		)
		return h.respond(ev, StateRejecting, h.rejectActions(legA))
	}

	log.Warn("action failed", "state", string(sess.State()), "error_type", ev.ErrorType, "error_message", ev.ErrorMessage)
	return h.respond(ev, sess.State(), nil)
}

func (h *Handler) hangup(ev *Event, log *slog.Logger) *Response {
	sess := h.sessions.Terminate(ev.CallDetails.TransactionID)

	legA := ev.Participant(LegA)
	legB := ev.Participant(LegB)
	if legA != nil && legB != nil &&
		legB.Status == ParticipantDisconnected && legA.Status == ParticipantConnected {
		log.Info("forwarded leg hung up, disconnecting caller")
		return h.respond(ev, sess.State(), []Action{hangup(legA)})
	}

	log.Debug("call terminated")
	return h.respond(ev, sess.State(), nil)
}

func (h *Handler) bridgeAction(legA *Participant, forwardTo string) Action {
	p := CallAndBridgeParameters{
		CallTimeoutSeconds: int(h.cfg.BridgeTimeout / time.Second),
		CallerIDNumber:     legA.From,
		Endpoints:          []BridgeEndpoint{{BridgeEndpointType: "PSTN", URI: forwardTo}},
	}
	if h.cfg.RingbackKey != "" {
		src := s3Source(h.cfg.AudioBucket, h.cfg.RingbackKey)
		p.RingbackTone = &src
	}
	return callAndBridge(p)
}

func (h *Handler) answerActions(legA *Participant) []Action {
	greeting := s3Source(h.cfg.AudioBucket, h.cfg.GreetingKey)
	if h.cfg.LoopGreeting {
		return []Action{playAudio(legA, greeting, h.cfg.GreetingRepeat)}
	}
	return []Action{playAudio(legA, greeting, 0), hangup(legA)}
}

func (h *Handler) rejectActions(legA *Participant) []Action {
	return []Action{
		playAudio(legA, s3Source(h.cfg.AudioBucket, h.cfg.UnavailableKey), 0),
		hangup(legA),
	}
}

func (h *Handler) currentState(ev *Event) State {
	if sess, ok := h.sessions.Get(ev.CallDetails.TransactionID); ok {
		return sess.State()
	}
	return ""
}

// respond builds the response, echoing the caller's transaction attributes
// plus the session state.
func (h *Handler) respond(ev *Event, state State, actions []Action) *Response {
	if actions == nil {
		actions = []Action{}
	}
	attrs := maps.Clone(ev.CallDetails.TransactionAttributes)
	if state != "" {
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		attrs[attrCallState] = string(state)
	}
	return &Response{
		SchemaVersion:         SchemaVersion,
		Actions:               actions,
		TransactionAttributes: attrs,
	}
}
