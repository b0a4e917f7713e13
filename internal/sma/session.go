package sma

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// State is the lifecycle state of one call's event sequence.
type State string

const (
	StateRinging    State = "Ringing"
	StateDeciding   State = "Deciding"
	StateForwarding State = "Forwarding"
	StateAnswering  State = "Answering"
	StateRejecting  State = "Rejecting"
	StateTerminated State = "Terminated"
)

// transitions lists the states reachable from each state. Terminated is
// absorbing.
var transitions = map[State][]State{
	StateRinging:    {StateDeciding, StateTerminated},
	StateDeciding:   {StateForwarding, StateAnswering, StateRejecting, StateTerminated},
	StateForwarding: {StateRejecting, StateTerminated},
	StateAnswering:  {StateTerminated},
	StateRejecting:  {StateTerminated},
}

// CallSession tracks one call by transaction id.
type CallSession struct {
	TransactionID string
	DialedNumber  string
	CallerNumber  string

	mu        sync.Mutex
	state     State
	forwardTo string
}

// State returns the current state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ForwardTo returns the bridge destination chosen for the call, if any.
func (s *CallSession) ForwardTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardTo
}

// advance moves the session to next if the transition is allowed and
// reports whether it did.
func (s *CallSession) advance(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return true
		}
	}
	return false
}

func (s *CallSession) decide(next State, forwardTo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDeciding {
		return false
	}
	s.state = next
	s.forwardTo = forwardTo
	return true
}

// sessionCache is the subset of *cache.Cache the tracker uses.
type sessionCache interface {
	Add(k string, x interface{}, d time.Duration) error
	Get(k string) (interface{}, bool)
	ItemCount() int
	Items() map[string]cache.Item
}

// Tracker holds call sessions keyed by transaction id. Sessions expire after
// the configured TTL, terminated or not.
type Tracker struct {
	cache sessionCache
}

// NewTracker creates a tracker whose entries live for ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{cache: cache.New(ttl, ttl)}
}

// Begin registers a new session in the Deciding state. ok is false when the
// transaction id is already known, in which case the existing session is
// returned.
func (t *Tracker) Begin(txID, dialed, caller string) (sess *CallSession, ok bool) {
	sess = &CallSession{
		TransactionID: txID,
		DialedNumber:  dialed,
		CallerNumber:  caller,
		state:         StateDeciding,
	}
	for {
		if err := t.cache.Add(txID, sess, cache.DefaultExpiration); err == nil {
			return sess, true
		}
		if existing, found := t.Get(txID); found {
			return existing, false
		}
		// The existing entry expired between Add and Get.
	}
}

// Get returns the session for txID.
func (t *Tracker) Get(txID string) (*CallSession, bool) {
	v, ok := t.cache.Get(txID)
	if !ok {
		return nil, false
	}
	return v.(*CallSession), true
}

// Terminate marks the session terminated. Unknown transaction ids get a
// terminated tombstone so a late NEW_INBOUND_CALL is not acted on.
func (t *Tracker) Terminate(txID string) *CallSession {
	tomb := &CallSession{TransactionID: txID, state: StateTerminated}
	if err := t.cache.Add(txID, tomb, cache.DefaultExpiration); err == nil {
		return tomb
	}
	sess, ok := t.Get(txID)
	if !ok {
		return tomb
	}
	sess.advance(StateTerminated)
	return sess
}

// Count returns the number of tracked sessions, including terminated ones
// that have not yet expired.
func (t *Tracker) Count() int {
	return t.cache.ItemCount()
}

// Active returns the number of sessions that have not terminated.
func (t *Tracker) Active() int {
	n := 0
	for _, item := range t.cache.Items() {
		if item.Object.(*CallSession).State() != StateTerminated {
			n++
		}
	}
	return n
}
