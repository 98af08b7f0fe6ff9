package agent

import "fmt"

// Event is emitted by a Channel. The set of events is closed: AudioReceived,
// ConfigReady, ConversationText, SpeechStarted, ChannelError and
// ChannelClosed.
type Event interface {
	agentEvent()
}

// AudioReceived carries one frame of synthesized audio (μ-law, 8kHz).
type AudioReceived struct {
	Audio []byte
}

// ConfigReady is emitted once the backend has applied the session settings.
// Audio sent after this event is processed.
type ConfigReady struct{}

// ConversationText is a transcript update for either side of the
// conversation.
type ConversationText struct {
	Role    string
	Content string
}

// SpeechStarted is emitted when the backend detects the caller talking.
type SpeechStarted struct{}

// ChannelError is emitted when the channel enters the Error state.
type ChannelError struct {
	Err error
}

// ChannelClosed is emitted when the backend closes the session normally.
type ChannelClosed struct{}

func (AudioReceived) agentEvent()    {}
func (ConfigReady) agentEvent()      {}
func (ConversationText) agentEvent() {}
func (SpeechStarted) agentEvent()    {}
func (ChannelError) agentEvent()     {}
func (ChannelClosed) agentEvent()    {}

// BackendError is an Error message sent by the agent backend.
type BackendError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("agent error: %s", e.Description)
	}
	return fmt.Sprintf("agent error %s: %s", e.Code, e.Description)
}
