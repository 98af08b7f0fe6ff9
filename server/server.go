// Package server exposes the call trigger, the TwiML webhooks and the media
// stream WebSocket over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentplexus/omnivoice/callsystem"
	"github.com/agentplexus/omnivoice/transport"

	voiceagent "github.com/agentplexus/twilio-voice-agent"
	vacallsystem "github.com/agentplexus/twilio-voice-agent/callsystem"
	"github.com/agentplexus/twilio-voice-agent/relay"
	"github.com/agentplexus/twilio-voice-agent/sessionvars"
	mediastream "github.com/agentplexus/twilio-voice-agent/transport"
)

const maxCallBodyBytes = 64 << 10

// CallControl is the telephony side the HTTP surface drives.
type CallControl interface {
	Trigger(ctx context.Context, apiKey, to string, vars sessionvars.Variables) (string, error)
	IncomingTwiML() (string, error)
	VoiceTwiML(callID string) (string, error)
	HandleStatusCallback(ctx context.Context, callID, status string) callsystem.CallStatus
}

var _ CallControl = (*vacallsystem.Provider)(nil)

// Option configures the Server.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
	fallbackMessage  string
	publicHost       string
	validate         SignatureValidator
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHandshakeTimeout sets the per-stream agent handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithFallbackMessage sets the announcement used when the agent never
// becomes ready.
func WithFallbackMessage(text string) Option {
	return func(o *options) {
		o.fallbackMessage = text
	}
}

// WithSignatureValidation rejects Twilio webhooks whose signature does not
// match publicHost.
func WithSignatureValidation(publicHost string, validate SignatureValidator) Option {
	return func(o *options) {
		o.publicHost = publicHost
		o.validate = validate
	}
}

// Server is the bridge's HTTP surface.
type Server struct {
	calls   CallControl
	deps    relay.Deps
	opts    options
	relays  *tracker
	handler http.Handler
}

// New builds the server and its routes.
func New(calls CallControl, deps relay.Deps, opts ...Option) *Server {
	cfg := options{
		logger:           slog.Default(),
		handshakeTimeout: relay.DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		calls:  calls,
		deps:   deps,
		opts:   cfg,
		relays: newTracker(),
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+voiceagent.RouteIncoming, s.webhook(http.HandlerFunc(s.handleIncoming)))
	mux.HandleFunc("POST "+voiceagent.RouteCall, s.handleCall)
	mux.Handle("POST "+voiceagent.RouteVoice, s.webhook(http.HandlerFunc(s.handleVoice)))
	mux.Handle("GET "+voiceagent.RouteVoice, s.webhook(http.HandlerFunc(s.handleVoice)))
	mux.Handle("POST "+voiceagent.RouteStatus, s.webhook(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("GET "+voiceagent.RouteConnection, s.handleConnection)
	mux.HandleFunc("GET "+voiceagent.RouteHealth, s.handleHealth)

	logger := cfg.logger
	s.handler = RequestID(Recover(logger, AccessLog(logger, mux)))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ActiveRelays returns the number of live media streams.
func (s *Server) ActiveRelays() int {
	return s.relays.count()
}

// Drain refuses new media streams. Streams already running are unaffected.
func (s *Server) Drain() {
	s.relays.drain()
}

// WaitRelays waits for live media streams to end on their own.
func (s *Server) WaitRelays(ctx context.Context) bool {
	return s.relays.wait(ctx)
}

// CancelRelays tears down every live media stream.
func (s *Server) CancelRelays() int {
	return s.relays.cancelAll()
}

func (s *Server) webhook(next http.Handler) http.Handler {
	if s.opts.validate == nil {
		return next
	}
	return TwilioSignature(s.opts.validate, s.opts.publicHost, s.opts.logger, next)
}

type callRequest struct {
	To        string            `json:"to"`
	Variables map[string]string `json:"variables"`
}

type callResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleCall triggers an outbound call. The key is checked before the body
// is validated, so an unauthenticated caller learns nothing about the body.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	body := http.MaxBytesReader(w, r.Body, maxCallBodyBytes)
	decodeErr := json.NewDecoder(body).Decode(&req)
	if decodeErr != nil {
		req = callRequest{}
	}

	callID, err := s.calls.Trigger(r.Context(), r.Header.Get("x-api-key"), req.To, req.Variables)
	switch {
	case errors.Is(err, vacallsystem.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, callResponse{Error: "unauthorized"})
	case errors.Is(err, vacallsystem.ErrMissingDestination):
		msg := "missing 'to' phone number"
		if decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
			msg = "invalid JSON body"
		}
		writeJSON(w, http.StatusBadRequest, callResponse{Error: msg})
	case err != nil:
		s.opts.logger.Error("call trigger failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, callResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, callResponse{Success: true, CallID: callID})
	}
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	doc, err := s.calls.IncomingTwiML()
	if err != nil {
		s.opts.logger.Error("rendering incoming twiml failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	callID := r.FormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	doc, err := s.calls.VoiceTwiML(callID)
	if err != nil {
		s.opts.logger.Error("rendering voice twiml failed", "call_sid", callID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, doc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	if callID == "" || status == "" {
		http.Error(w, "missing CallSid or CallStatus", http.StatusBadRequest)
		return
	}
	s.calls.HandleStatusCallback(r.Context(), callID, status)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleConnection runs one relay for the lifetime of the media stream.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := mediastream.Upgrade(w, r)
	if err != nil {
		s.opts.logger.Warn("media stream upgrade failed", "error", err)
		return
	}

	reqID, _ := RequestIDFrom(r.Context())
	logger := s.opts.logger.With("request_id", reqID)

	rl := relay.New(conn, s.deps,
		relay.WithLogger(logger),
		relay.WithHandshakeTimeout(s.opts.handshakeTimeout),
		relay.WithFallbackMessage(s.opts.fallbackMessage),
		relay.WithCallSID(r.URL.Query().Get(relay.CallSIDParameter)),
		relay.WithEventHandler(func(ev transport.Event) {
			if ev.Error != nil {
				logger.Warn("media stream event", "event", ev.Type, "error", ev.Error)
				return
			}
			logger.Debug("media stream event", "event", ev.Type, "data", ev.Data)
		}),
	)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	unregister, ok := s.relays.register(rl.ID(), cancel)
	if !ok {
		logger.Warn("refusing media stream while draining", "relay_id", rl.ID())
		_ = conn.Close()
		return
	}
	defer unregister()

	logger.Info("media stream connected", "relay_id", rl.ID(), "remote_addr", conn.RemoteAddr().String())
	if err := rl.Run(ctx); err != nil {
		logger.Warn("media stream ended with error", "relay_id", rl.ID(), "error", err)
	}
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, doc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
