// Package relay bridges one Twilio media stream to one agent channel.
//
// Caller audio that arrives before the agent has applied its settings is
// queued and flushed in order once the agent is ready; agent audio is written
// back to the stream in the order the agent produced it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/google/uuid"

	"github.com/agentplexus/twilio-voice-agent/agent"
	"github.com/agentplexus/twilio-voice-agent/sessionvars"
	mediastream "github.com/agentplexus/twilio-voice-agent/transport"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the agent to become ready.
	DefaultHandshakeTimeout = 5 * time.Second

	// CallSIDParameter names the stream parameter and query key carrying the
	// call identifier.
	CallSIDParameter = "callSid"

	storeTimeout    = 5 * time.Second
	announceTimeout = 10 * time.Second
)

// Channel is the agent side of a relay.
type Channel interface {
	Connect(ctx context.Context) error
	SendAudio(frame []byte)
	Events() <-chan agent.Event
	Finish()
}

var _ Channel = (*agent.Channel)(nil)

// MediaConn is the telephony side of a relay.
type MediaConn interface {
	ReadFrame() (mediastream.Frame, error)
	WriteMedia(streamSID string, audio []byte) error
	Clear(streamSID string) error
	Close() error
}

var _ MediaConn = (*mediastream.Conn)(nil)

// Announcer speaks a message on a live call and hangs up.
type Announcer interface {
	Announce(ctx context.Context, callID, text string) error
}

// Deps are the collaborators a relay needs.
type Deps struct {
	Store      sessionvars.Store
	NewChannel func(callID string, vars sessionvars.Variables) Channel

	// Announcer is optional; without it a failed agent simply ends the stream.
	Announcer Announcer
}

// Option configures a Relay.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
	fallbackMessage  string
	callSID          string
	onEvent          func(transport.Event)
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHandshakeTimeout sets how long the agent has to become ready.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithFallbackMessage sets the text announced when the agent never becomes
// ready. Empty disables the announcement.
func WithFallbackMessage(text string) Option {
	return func(o *options) {
		o.fallbackMessage = text
	}
}

// WithCallSID supplies the call identifier captured at upgrade time, used when
// the start frame does not carry one.
func WithCallSID(callSID string) Option {
	return func(o *options) {
		o.callSID = callSID
	}
}

// WithEventHandler observes stream lifecycle events.
func WithEventHandler(fn func(transport.Event)) Option {
	return func(o *options) {
		o.onEvent = fn
	}
}

// Relay owns one media stream for its whole life.
type Relay struct {
	id   string
	conn MediaConn
	deps Deps
	opts options

	mu        sync.Mutex
	logger    *slog.Logger
	started   bool
	streamSID string
	callID    string
	channel   Channel
	ready     bool
	stopped   bool
	pending   [][]byte
	timer     *time.Timer

	teardownOnce sync.Once
}

// New creates a relay for conn.
func New(conn MediaConn, deps Deps, opts ...Option) *Relay {
	cfg := options{
		logger:           slog.Default(),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	return &Relay{
		id:     id,
		conn:   conn,
		deps:   deps,
		opts:   cfg,
		logger: cfg.logger.With("relay_id", id),
	}
}

// ID identifies the relay in logs and in the server's tracker.
func (r *Relay) ID() string { return r.id }

// CallID returns the resolved call identifier, empty before start.
func (r *Relay) CallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID
}

// Pending returns the number of queued caller frames.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run reads the stream until the socket closes or ctx is cancelled. The
// stop frame, socket closure, handshake timeout and agent failure all end in
// the same teardown, which runs once.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unlink := context.AfterFunc(ctx, func() {
		r.teardown("relay cancelled")
		_ = r.conn.Close()
	})
	defer unlink()

	defer r.observe(transport.Event{Type: transport.EventDisconnected})

	for {
		frame, err := r.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, mediastream.ErrMalformedFrame) {
				r.log().Warn("skipping malformed frame", "error", err)
				continue
			}

			stopped := r.isStopped()
			r.teardown("socket closed")
			_ = r.conn.Close()

			if stopped || ctx.Err() != nil || mediastream.IsNormalClose(err) {
				return nil
			}
			r.observe(transport.Event{Type: transport.EventError, Error: err})
			return fmt.Errorf("read media stream: %w", err)
		}

		r.handleFrame(ctx, frame)
	}
}

func (r *Relay) handleFrame(ctx context.Context, f mediastream.Frame) {
	defer func() {
		if v := recover(); v != nil {
			r.log().Error("panic handling frame", "event", f.Event, "panic", v)
		}
	}()

	if ev, ok := f.Lifecycle(); ok {
		r.observe(ev)
	}

	switch f.Event {
	case mediastream.FrameConnected:
		r.log().Debug("media stream connected", "protocol", f.Protocol, "version", f.Version)
	case mediastream.FrameStart:
		r.handleStart(ctx, f)
	case mediastream.FrameMedia:
		r.handleMedia(f)
	case mediastream.FrameStop:
		r.teardown("stream stopped")
	case mediastream.FrameMark:
		if f.Mark != nil {
			r.log().Debug("mark reached", "name", f.Mark.Name)
		}
	case mediastream.FrameDTMF:
		if f.DTMF != nil {
			r.log().Info("dtmf received", "digit", f.DTMF.Digit)
		}
	default:
		r.log().Debug("ignoring media stream event", "event", f.Event)
	}
}

func (r *Relay) handleStart(ctx context.Context, f mediastream.Frame) {
	if f.Start == nil {
		r.log().Warn("start frame without body")
		return
	}

	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		r.log().Warn("ignoring start, stream already has an agent", "stream_sid", f.Start.StreamSID)
		return
	}
	r.started = true
	r.streamSID = f.Start.StreamSID
	if r.streamSID == "" {
		r.streamSID = f.StreamSID
	}
	r.callID = r.resolveCallID(f.Start)
	r.logger = r.logger.With("call_sid", r.callID, "stream_sid", r.streamSID)
	callID := r.callID
	r.mu.Unlock()

	r.log().Info("media stream started")

	vars := sessionvars.Variables{}
	if callID == "" {
		r.log().Warn("start without call identifier, using no variables")
	} else if r.deps.Store != nil {
		getCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		stored, err := r.deps.Store.Get(getCtx, callID)
		cancel()
		if err != nil {
			r.log().Warn("loading call variables failed", "error", err)
		} else {
			vars = stored
		}
	}

	ch := r.deps.NewChannel(callID, vars)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		ch.Finish()
		return
	}
	r.channel = ch
	r.timer = time.AfterFunc(r.opts.handshakeTimeout, r.handshakeExpired)
	r.mu.Unlock()

	go r.pump(ch)
	go func() {
		if err := ch.Connect(ctx); err != nil {
			r.log().Error("agent connect failed", "error", err)
		}
	}()
}

func (r *Relay) resolveCallID(start *mediastream.Start) string {
	if start.CallSID != "" {
		return start.CallSID
	}
	if id := start.CustomParameters[CallSIDParameter]; id != "" {
		return id
	}
	return r.opts.callSID
}

func (r *Relay) handleMedia(f mediastream.Frame) {
	audio, err := f.DecodePayload()
	if err != nil {
		r.log().Warn("skipping undecodable media", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.ready {
		r.channel.SendAudio(audio)
		return
	}
	r.pending = append(r.pending, audio)
}

// markReady flushes the queue and switches to direct forwarding. Both happen
// under mu, so a frame read concurrently waits and lands after the queue.
func (r *Relay) markReady() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.ready {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	for _, frame := range r.pending {
		r.channel.SendAudio(frame)
	}
	r.logger.Info("agent ready", "flushed_frames", len(r.pending))
	r.pending = nil
	r.ready = true
}

// pump delivers agent events in emission order until the channel closes its
// event stream.
func (r *Relay) pump(ch Channel) {
	for ev := range ch.Events() {
		r.handleAgentEvent(ev)
	}
}

func (r *Relay) handleAgentEvent(ev agent.Event) {
	defer func() {
		if v := recover(); v != nil {
			r.log().Error("panic handling agent event", "panic", v)
		}
	}()

	switch e := ev.(type) {
	case agent.ConfigReady:
		r.markReady()

	case agent.AudioReceived:
		streamSID, ok := r.activeStream()
		if !ok {
			return
		}
		if err := r.conn.WriteMedia(streamSID, e.Audio); err != nil {
			r.log().Warn("writing agent audio failed", "error", err)
		}

	case agent.SpeechStarted:
		streamSID, ok := r.activeStream()
		if !ok {
			return
		}
		if err := r.conn.Clear(streamSID); err != nil {
			r.log().Warn("clearing playback failed", "error", err)
		}

	case agent.ConversationText:
		r.log().Debug("transcript", "role", e.Role, "content", e.Content)

	case agent.ChannelError:
		r.observe(transport.Event{Type: transport.EventError, Error: e.Err})
		r.agentDown(e.Err)

	case agent.ChannelClosed:
		r.agentDown(nil)
	}
}

func (r *Relay) activeStream() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamSID, !r.stopped
}

func (r *Relay) agentDown(err error) {
	r.mu.Lock()
	ready, stopped, callID := r.ready, r.stopped, r.callID
	r.mu.Unlock()

	if stopped {
		return
	}
	if err != nil {
		r.log().Error("agent channel failed", "error", err, "ready", ready)
	} else {
		r.log().Info("agent closed the session", "ready", ready)
	}
	if !ready {
		r.announceFallback(callID)
	}
	r.teardown("agent unavailable")
	_ = r.conn.Close()
}

func (r *Relay) handshakeExpired() {
	defer func() {
		if v := recover(); v != nil {
			r.log().Error("panic in handshake timer", "panic", v)
		}
	}()

	r.mu.Lock()
	ready, stopped, callID := r.ready, r.stopped, r.callID
	r.mu.Unlock()
	if ready || stopped {
		return
	}

	r.log().Warn("agent handshake timed out", "timeout", r.opts.handshakeTimeout)
	r.announceFallback(callID)
	r.teardown("handshake timeout")
	_ = r.conn.Close()
}

func (r *Relay) announceFallback(callID string) {
	if r.deps.Announcer == nil || r.opts.fallbackMessage == "" || callID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	if err := r.deps.Announcer.Announce(ctx, callID, r.opts.fallbackMessage); err != nil {
		r.log().Warn("fallback announcement failed", "error", err)
	}
}

// teardown finishes the agent, drops queued audio and forgets the call's
// variables. Only the first call has an effect.
func (r *Relay) teardown(reason string) {
	r.teardownOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		dropped := len(r.pending)
		r.pending = nil
		ch, callID := r.channel, r.callID
		if r.timer != nil {
			r.timer.Stop()
		}
		logger := r.logger
		r.mu.Unlock()

		if ch != nil {
			ch.Finish()
		}
		if callID != "" && r.deps.Store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := r.deps.Store.Delete(ctx, callID); err != nil {
				logger.Warn("deleting call variables failed", "error", err)
			}
			cancel()
		}
		logger.Info("relay stopped", "reason", reason, "dropped_frames", dropped)
	})
}

func (r *Relay) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Relay) log() *slog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logger
}

func (r *Relay) observe(ev transport.Event) {
	if r.opts.onEvent != nil {
		r.opts.onEvent(ev)
	}
}
