package sma

// SchemaVersion is the action schema version written in every response.
const SchemaVersion = "1.0"

// Action types.
const (
	ActionCallAndBridge = "CallAndBridge"
	ActionPlayAudio     = "PlayAudio"
	ActionHangup        = "Hangup"
)

// Response is returned to the platform for every event.
type Response struct {
	SchemaVersion         string            `json:"SchemaVersion"`
	Actions               []Action          `json:"Actions"`
	TransactionAttributes map[string]string `json:"TransactionAttributes,omitempty"`
}

// Action is one call-control instruction.
type Action struct {
	Type       string `json:"Type"`
	Parameters any    `json:"Parameters"`
}

// AudioSource points at a WAV object in an S3 bucket.
type AudioSource struct {
	Type       string `json:"Type"`
	BucketName string `json:"BucketName"`
	Key        string `json:"Key"`
}

// BridgeEndpoint is a CallAndBridge destination.
type BridgeEndpoint struct {
	BridgeEndpointType string `json:"BridgeEndpointType"`
	URI                string `json:"Uri"`
}

// CallAndBridgeParameters places an outbound PSTN leg and bridges it to the caller.
type CallAndBridgeParameters struct {
	CallTimeoutSeconds int              `json:"CallTimeoutSeconds"`
	CallerIDNumber     string           `json:"CallerIdNumber"`
	Endpoints          []BridgeEndpoint `json:"Endpoints"`
	RingbackTone       *AudioSource     `json:"RingbackTone,omitempty"`
}

// PlayAudioParameters plays a WAV to one leg.
type PlayAudioParameters struct {
	CallID         string      `json:"CallId,omitempty"`
	ParticipantTag string      `json:"ParticipantTag"`
	Repeat         int         `json:"Repeat,omitempty"`
	AudioSource    AudioSource `json:"AudioSource"`
}

// HangupParameters disconnects one leg.
type HangupParameters struct {
	CallID          string `json:"CallId,omitempty"`
	ParticipantTag  string `json:"ParticipantTag"`
	SipResponseCode string `json:"SipResponseCode"`
}

func s3Source(bucket, key string) AudioSource {
	return AudioSource{Type: "S3", BucketName: bucket, Key: key}
}

func callAndBridge(p CallAndBridgeParameters) Action {
	return Action{Type: ActionCallAndBridge, Parameters: p}
}

func playAudio(leg *Participant, src AudioSource, repeat int) Action {
	return Action{Type: ActionPlayAudio, Parameters: PlayAudioParameters{
		CallID:         leg.CallID,
		ParticipantTag: leg.ParticipantTag,
		Repeat:         repeat,
		AudioSource:    src,
	}}
}

func hangup(leg *Participant) Action {
	return Action{Type: ActionHangup, Parameters: HangupParameters{
		CallID:          leg.CallID,
		ParticipantTag:  leg.ParticipantTag,
		SipResponseCode: "0",
	}}
}
