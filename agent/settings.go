package agent

import (
	"github.com/agentplexus/twilio-voice-agent/tools"
)

// Backend message types.
const (
	msgWelcome              = "Welcome"
	msgSettings             = "Settings"
	msgSettingsApplied      = "SettingsApplied"
	msgKeepAlive            = "KeepAlive"
	msgConversationText     = "ConversationText"
	msgUserStartedSpeaking  = "UserStartedSpeaking"
	msgAgentThinking        = "AgentThinking"
	msgAgentStartedSpeaking = "AgentStartedSpeaking"
	msgAgentAudioDone       = "AgentAudioDone"
	msgFunctionCallRequest  = "FunctionCallRequest"
	msgFunctionCallResponse = "FunctionCallResponse"
	msgError                = "Error"
	msgWarning              = "Warning"
	msgHistory              = "History"
)

// Settings is the session configuration sent after the backend's Welcome.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

// AudioSettings holds the input and output audio formats.
type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

// AudioFormat describes one direction of agent audio.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

// AgentSettings configures the listen, think and speak stages.
type AgentSettings struct {
	Language string         `json:"language,omitempty"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

// Provider names a backend provider and model.
type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

// ListenSettings configures speech recognition.
type ListenSettings struct {
	Provider Provider `json:"provider"`
}

// ThinkSettings configures the language model, its prompt and callable functions.
type ThinkSettings struct {
	Provider  Provider           `json:"provider"`
	Prompt    string             `json:"prompt,omitempty"`
	Functions []tools.Definition `json:"functions,omitempty"`
}

// SpeakSettings configures speech synthesis.
type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

type keepAliveMessage struct {
	Type string `json:"type"`
}

type conversationTextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type functionCallRequest struct {
	Functions []functionCall `json:"functions"`
}

type functionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}
