// Package agent manages one upstream voice-agent session per call.
//
// A Channel speaks the Deepgram Voice Agent protocol: it dials the backend,
// answers the Welcome message with the session Settings (instructions and
// greeting resolved against the call's template variables), streams raw
// caller audio in, and emits synthesized audio and lifecycle events out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	voiceagent "github.com/agentplexus/twilio-voice-agent"
	"github.com/agentplexus/twilio-voice-agent/prompt"
	"github.com/agentplexus/twilio-voice-agent/sessionvars"
	"github.com/agentplexus/twilio-voice-agent/tools"
)

// Defaults for Config fields left empty.
const (
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultLanguage          = "en"
	DefaultListenModel       = "nova-3"
	DefaultThinkProvider     = "open_ai"
	DefaultThinkModel        = "gpt-4o-mini"
	DefaultSpeakModel        = "aura-2-thalia-en"
	DefaultInstructions      = "You are a friendly AI assistant."
	DefaultGreeting          = "Hello! How can I help you today?"

	functionCallTimeout = 15 * time.Second
)

var (
	// ErrNotReady is returned when writing before Connect succeeded.
	ErrNotReady = errors.New("agent: not ready")
	// ErrClosed is returned by Connect when the channel was finished first.
	ErrClosed = errors.New("agent: channel closed")
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateReady
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures the backend session.
type Config struct {
	URL    string
	APIKey string

	Language      string
	ListenModel   string
	ThinkProvider string
	ThinkModel    string
	SpeakModel    string

	// Instructions and Greeting may contain {{name}} placeholders.
	Instructions string
	Greeting     string

	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = voiceagent.DefaultAgentURL
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.ListenModel == "" {
		c.ListenModel = DefaultListenModel
	}
	if c.ThinkProvider == "" {
		c.ThinkProvider = DefaultThinkProvider
	}
	if c.ThinkModel == "" {
		c.ThinkModel = DefaultThinkModel
	}
	if c.SpeakModel == "" {
		c.SpeakModel = DefaultSpeakModel
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTools exposes client-side functions to the agent.
func WithTools(r *tools.Registry) Option {
	return func(c *Channel) {
		c.tools = r
	}
}

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Channel is one bidirectional session with the agent backend. It is created
// per stream and never reconnects; a new stream needs a new Channel.
type Channel struct {
	cfg    Config
	vars   sessionvars.Variables
	tools  *tools.Registry
	logger *slog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	err   error
	conn  *websocket.Conn

	writeMu   sync.Mutex
	events    chan Event
	closeOnce sync.Once
}

// New creates a Channel in the Created state. No network activity happens
// until Connect.
func New(cfg Config, vars sessionvars.Variables, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:    cfg.withDefaults(),
		vars:   vars.Clone(),
		logger: slog.Default(),
		dialer: websocket.DefaultDialer,
		ctx:    ctx,
		cancel: cancel,
		state:  StateCreated,
		events: make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the channel to the Error state, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Events returns the channel's event stream. It is closed once the session
// ends, whichever way it ends.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Settings returns the session settings with placeholders resolved against
// the channel's variables.
func (c *Channel) Settings() Settings {
	return Settings{
		Type: msgSettings,
		Audio: AudioSettings{
			Input: AudioFormat{
				Encoding:   voiceagent.AudioEncodingMulaw,
				SampleRate: voiceagent.DefaultSampleRate,
			},
			Output: AudioFormat{
				Encoding:   voiceagent.AudioEncodingMulaw,
				SampleRate: voiceagent.DefaultSampleRate,
				Container:  "none",
			},
		},
		Agent: AgentSettings{
			Language: c.cfg.Language,
			Listen: ListenSettings{
				Provider: Provider{Type: "deepgram", Model: c.cfg.ListenModel},
			},
			Think: ThinkSettings{
				Provider:  Provider{Type: c.cfg.ThinkProvider, Model: c.cfg.ThinkModel},
				Prompt:    prompt.Resolve(c.cfg.Instructions, c.vars),
				Functions: c.tools.Definitions(),
			},
			Speak: SpeakSettings{
				Provider: Provider{Type: "deepgram", Model: c.cfg.SpeakModel},
			},
			Greeting: prompt.Resolve(c.cfg.Greeting, c.vars),
		},
	}
}

// Connect dials the backend and starts the session. It returns once the
// socket is open; the channel becomes Ready asynchronously, announced by a
// ConfigReady event.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("agent: connect in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.ctx, stop)
	defer unlink()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		err = fmt.Errorf("dial agent: %w", err)
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateError
			c.err = err
		}
		c.mu.Unlock()
		c.logger.Error("agent connect failed", "error", err)
		c.emit(ChannelError{Err: err})
		close(c.events)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		close(c.events)
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("agent connected", "url", c.cfg.URL)
	go c.readLoop(conn)
	return nil
}

// SendAudio forwards one frame of caller audio. Frames sent while the
// channel is not Ready are dropped with a warning; callers buffer.
func (c *Channel) SendAudio(frame []byte) {
	if state := c.State(); state != StateReady {
		c.logger.Warn("dropping audio, agent not ready", "state", state.String(), "bytes", len(frame))
		return
	}
	if err := c.write(websocket.BinaryMessage, frame); err != nil {
		c.fail(fmt.Errorf("send audio: %w", err))
	}
}

// Finish closes the session. It is safe to call more than once, before
// Connect, or after an error.
func (c *Channel) Finish() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.mu.Unlock()

		c.cancel()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.logger.Debug("agent channel finished")
	})
}

// readLoop is the only goroutine that emits events after Connect returns,
// and it closes the event stream on exit.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer close(c.events)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleAudio(data)
		case websocket.TextMessage:
			c.handleMessage(data)
		}
	}
}

func (c *Channel) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	prev := c.state
	switch prev {
	case StateConnecting, StateReady:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.state = StateClosed
		} else {
			c.state = StateError
			c.err = fmt.Errorf("read agent: %w", err)
		}
	}
	state, cause := c.state, c.err
	c.mu.Unlock()

	_ = conn.Close()

	switch {
	case prev == StateClosed:
		// Finished locally.
	case state == StateClosed:
		c.logger.Info("agent closed the session")
		c.emit(ChannelClosed{})
	default:
		if prev != StateError {
			c.logger.Error("agent channel failed", "error", cause)
		}
		c.emit(ChannelError{Err: cause})
	}
}

func (c *Channel) handleAudio(data []byte) {
	if c.State() != StateReady {
		c.logger.Debug("ignoring agent audio before ready", "bytes", len(data))
		return
	}
	c.emit(AudioReceived{Audio: data})
}

func (c *Channel) handleMessage(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		if c.State() == StateConnecting {
			c.fail(fmt.Errorf("malformed agent message: %w", err))
			return
		}
		c.logger.Warn("skipping malformed agent message", "error", err)
		return
	}

	switch envelope.Type {
	case msgWelcome:
		c.sendSettings()

	case msgSettingsApplied:
		c.markReady()

	case msgConversationText:
		var msg conversationTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("skipping malformed conversation text", "error", err)
			return
		}
		c.logger.Info("conversation text", "role", msg.Role, "content", msg.Content)
		c.emit(ConversationText{Role: msg.Role, Content: msg.Content})

	case msgUserStartedSpeaking:
		c.emit(SpeechStarted{})

	case msgFunctionCallRequest:
		var req functionCallRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("skipping malformed function call request", "error", err)
			return
		}
		c.runFunctionCalls(req)

	case msgError:
		backendErr := &BackendError{}
		if err := json.Unmarshal(data, backendErr); err != nil {
			backendErr.Description = string(data)
		}
		c.fail(backendErr)

	case msgWarning:
		c.logger.Warn("agent warning", "message", string(data))

	case msgAgentThinking, msgAgentStartedSpeaking, msgAgentAudioDone, msgHistory:
		c.logger.Debug("agent event", "type", envelope.Type)

	default:
		c.logger.Debug("unhandled agent message", "type", envelope.Type)
	}
}

func (c *Channel) sendSettings() {
	if c.State() != StateConnecting {
		return
	}
	settings := c.Settings()
	if missing := prompt.Missing(c.cfg.Instructions+c.cfg.Greeting, c.vars); len(missing) > 0 {
		c.logger.Warn("template variables missing, placeholders left as-is", "missing", missing)
	}
	if err := c.writeJSON(settings); err != nil {
		c.fail(fmt.Errorf("send settings: %w", err))
		return
	}
	c.logger.Debug("agent settings sent")
}

func (c *Channel) markReady() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("agent ready")
	go c.keepAlive()
	c.emit(ConfigReady{})
}

func (c *Channel) keepAlive() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateReady {
				return
			}
			if err := c.writeJSON(keepAliveMessage{Type: msgKeepAlive}); err != nil {
				c.logger.Warn("keep-alive failed", "error", err)
			}
		}
	}
}

func (c *Channel) runFunctionCalls(req functionCallRequest) {
	for _, fn := range req.Functions {
		if !fn.ClientSide {
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, functionCallTimeout)
		content, err := c.tools.Invoke(ctx, fn.Name, fn.Arguments)
		cancel()
		if err != nil {
			c.logger.Warn("function call failed", "name", fn.Name, "error", err)
			content = "error: " + err.Error()
		} else {
			c.logger.Info("function call completed", "name", fn.Name)
		}

		resp := functionCallResponse{
			Type:    msgFunctionCallResponse,
			ID:      fn.ID,
			Name:    fn.Name,
			Content: content,
		}
		if err := c.writeJSON(resp); err != nil {
			c.logger.Warn("function call response not sent", "name", fn.Name, "error", err)
			return
		}
	}
}

// fail moves an active channel to Error and closes the socket; the read
// loop then reports the failure as a ChannelError.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.err = err
	conn := c.conn
	c.mu.Unlock()

	c.logger.Error("agent channel failed", "error", err)
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Channel) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}
