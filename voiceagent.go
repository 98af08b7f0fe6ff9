// Package voiceagent bridges Twilio Media Streams to a conversational
// voice-agent backend.
//
// A caller's audio arrives over the Twilio Media Streams WebSocket, is
// forwarded to a Deepgram Voice Agent session, and the agent's synthesized
// audio is relayed back to the caller. A small HTTP surface triggers outbound
// calls and carries per-call template variables into the agent's prompt.
//
// Packages:
//   - sessionvars: per-call template variables (memory or Redis)
//   - prompt: {{name}} placeholder resolution
//   - agent: one upstream voice-agent session per call
//   - tools: agent-invoked client-side functions
//   - transport: Twilio Media Streams wire codec
//   - relay: per-connection audio relay and lifecycle
//   - callsystem: outbound call trigger and TwiML documents
//   - server: HTTP and WebSocket surface
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID  - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN   - Your Twilio Auth Token
//	TWILIO_PHONE_NUMBER - Caller ID for outbound calls
//	DEEPGRAM_API_KEY    - Deepgram API key for the voice agent
//	SERVER              - Public host name used in webhook and stream URLs
//	API_KEY             - Shared secret for POST /call
package voiceagent

// Version is the module version.
const Version = "0.1.0"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"
)

// Deepgram Voice Agent constants.
const (
	// DefaultAgentURL is the Deepgram Voice Agent WebSocket endpoint.
	DefaultAgentURL = "wss://agent.deepgram.com/v1/agent/converse"
)

// Audio format constants for Media Streams. Twilio sends and expects
// 8-bit μ-law at 8kHz, and the agent is configured to match so no
// transcoding happens in the relay.
const (
	AudioEncodingMulaw = "mulaw"
	DefaultSampleRate  = 8000
)

// HTTP routes served by the bridge.
const (
	RouteIncoming   = "/incoming"
	RouteCall       = "/call"
	RouteVoice      = "/voice"
	RouteStatus     = "/status"
	RouteConnection = "/connection"
	RouteHealth     = "/healthz"
)
