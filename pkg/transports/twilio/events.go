package twilio

import "encoding/json"

type StreamStart struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
	From      string `json:"from"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamStop struct {
	CallSID string `json:"callSid"`
}

// StreamEvent is one inbound Media Streams message.
type StreamEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	Stop      *StreamStop  `json:"stop,omitempty"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     *StreamMedia `json:"media,omitempty"`
}

func parseEvent(msg []byte) (StreamEvent, error) {
	var evt StreamEvent
	err := json.Unmarshal(msg, &evt)
	return evt, err
}
