// Package sma handles SIP media application invocation events: it decides per
// inbound call whether to bridge the caller to a forwarding destination and
// returns the ordered call-control actions for the platform to execute.
package sma

import "encoding/json"

// EventType is the InvocationEventType of an SMA event.
type EventType string

const (
	EventNewInboundCall        EventType = "NEW_INBOUND_CALL"
	EventActionsSuccessful     EventType = "ACTIONS_SUCCESSFUL"
	EventActionFailed          EventType = "ACTION_FAILED"
	EventInvalidLambdaResponse EventType = "INVALID_LAMBDA_RESPONSE"
	EventHangup                EventType = "HANGUP"
	EventRinging               EventType = "RINGING"
	EventCallAnswered          EventType = "CALL_ANSWERED"
	EventDigitsReceived        EventType = "DIGITS_RECEIVED"
	EventCallUpdateRequested   EventType = "CALL_UPDATE_REQUESTED"
)

// Participant tags.
const (
	LegA = "LEG-A" // the inbound caller
	LegB = "LEG-B" // the bridged forwarding destination
)

// Participant statuses.
const (
	ParticipantConnected    = "Connected"
	ParticipantDisconnected = "Disconnected"
)

// Event is one invocation from the platform.
type Event struct {
	SchemaVersion       string          `json:"SchemaVersion"`
	Sequence            int             `json:"Sequence"`
	InvocationEventType EventType       `json:"InvocationEventType"`
	CallDetails         CallDetails     `json:"CallDetails"`
	ActionData          json.RawMessage `json:"ActionData,omitempty"`
	ErrorType           string          `json:"ErrorType,omitempty"`
	ErrorMessage        string          `json:"ErrorMessage,omitempty"`
}

// CallDetails describes the call the event belongs to.
type CallDetails struct {
	TransactionID         string            `json:"TransactionId"`
	TransactionAttributes map[string]string `json:"TransactionAttributes,omitempty"`
	AwsAccountID          string            `json:"AwsAccountId,omitempty"`
	AwsRegion             string            `json:"AwsRegion,omitempty"`
	SipMediaApplicationID string            `json:"SipMediaApplicationId,omitempty"`
	Participants          []Participant     `json:"Participants"`
}

// Participant is one call leg.
type Participant struct {
	CallID         string `json:"CallId"`
	ParticipantTag string `json:"ParticipantTag"`
	To             string `json:"To"`
	From           string `json:"From"`
	Direction      string `json:"Direction,omitempty"`
	StartTime      string `json:"StartTimeInMilliseconds,omitempty"`
	Status         string `json:"Status,omitempty"`
}

// Participant returns the leg with the given tag, or nil.
func (e *Event) Participant(tag string) *Participant {
	for i := range e.CallDetails.Participants {
		if e.CallDetails.Participants[i].ParticipantTag == tag {
			return &e.CallDetails.Participants[i]
		}
	}
	return nil
}
