package transport

import (
	"github.com/agentplexus/omnivoice/transport"
)

// Media Streams event names.
const (
	FrameConnected = "connected"
	FrameStart     = "start"
	FrameMedia     = "media"
	FrameMark      = "mark"
	FrameDTMF      = "dtmf"
	FrameStop      = "stop"
	FrameClear     = "clear"
)

// Frame is one inbound Media Streams message. Exactly one of the payload
// pointers is set, matching Event.
type Frame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	Version        string `json:"version,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
	DTMF  *DTMF  `json:"dtmf,omitempty"`
}

// Start describes the stream. CustomParameters carries the <Parameter>
// elements of the <Stream> verb.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat is the audio format of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one chunk of caller audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 μ-law
}

// Mark names a playback marker.
type Mark struct {
	Name string `json:"name"`
}

// Stop ends the stream.
type Stop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// DTMF is a key press on the caller's keypad.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Lifecycle maps a frame to the transport event it signals. Media and mark
// frames carry no lifecycle change.
func (f Frame) Lifecycle() (transport.Event, bool) {
	switch f.Event {
	case FrameConnected:
		return transport.Event{Type: transport.EventConnected}, true
	case FrameStart:
		if f.Start == nil {
			return transport.Event{}, false
		}
		return transport.Event{Type: transport.EventAudioStarted, Data: f.Start.StreamSID}, true
	case FrameDTMF:
		if f.DTMF == nil {
			return transport.Event{}, false
		}
		return transport.Event{Type: transport.EventDTMF, Data: f.DTMF.Digit}, true
	case FrameStop:
		return transport.Event{Type: transport.EventAudioStopped}, true
	}
	return transport.Event{}, false
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     outboundBody `json:"media"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      Mark   `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
