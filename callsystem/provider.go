// Package callsystem originates Twilio calls that connect to the voice agent
// and renders the TwiML documents those calls execute.
package callsystem

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentplexus/omnivoice/callsystem"

	voiceagent "github.com/agentplexus/twilio-voice-agent"
	"github.com/agentplexus/twilio-voice-agent/internal/client"
	"github.com/agentplexus/twilio-voice-agent/sessionvars"
)

var (
	// ErrUnauthorized is returned when the trigger secret does not match.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMissingDestination is returned when a trigger has no phone number.
	ErrMissingDestination = errors.New("missing destination phone number")
)

const storeTimeout = 5 * time.Second

// Provider triggers outbound calls and keeps the session store in step with
// the call lifecycle.
type Provider struct {
	client  *client.Client
	store   sessionvars.Store
	logger  *slog.Logger
	host    string
	from    string
	apiKey  string
	say     sayOptions
	callOps []callsystem.CallOption
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID  string
	authToken   string
	phoneNumber string
	host        string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	store       sessionvars.Store
	logger      *slog.Logger
	say         sayOptions
	callOps     []callsystem.CallOption
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithPhoneNumber sets the caller ID for outbound calls.
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithHost sets the public host that Twilio reaches back to.
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

// WithAPIKey sets the shared secret required by Trigger. Without one every
// trigger is rejected.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithAPIBaseURL overrides the Twilio REST endpoint.
func WithAPIBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for Twilio requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithStore sets the session variable store.
func WithStore(s sessionvars.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSayVoice sets the voice and language of fallback announcements.
func WithSayVoice(voice, language string) Option {
	return func(o *options) {
		o.say = sayOptions{voice: voice, language: language}
	}
}

// WithCallOptions applies default options to every outbound call.
func WithCallOptions(opts ...callsystem.CallOption) Option {
	return func(o *options) {
		o.callOps = append(o.callOps, opts...)
	}
}

// New creates a Provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		say: sayOptions{voice: "alice", language: "en-US"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.host == "" {
		return nil, errors.New("public host is required")
	}
	if cfg.store == nil {
		cfg.store = sessionvars.NewMemoryStore()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	twilioClient, err := client.New(client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	return &Provider{
		client:  twilioClient,
		store:   cfg.store,
		logger:  cfg.logger,
		host:    cfg.host,
		from:    cfg.phoneNumber,
		apiKey:  cfg.apiKey,
		say:     cfg.say,
		callOps: cfg.callOps,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// Trigger authenticates the request, originates a call to to, and records
// vars for the call once Twilio has accepted it.
func (p *Provider) Trigger(ctx context.Context, apiKey, to string, vars sessionvars.Variables) (string, error) {
	if !p.authorized(apiKey) {
		return "", ErrUnauthorized
	}
	if to == "" {
		return "", ErrMissingDestination
	}

	call, err := p.MakeCall(ctx, to)
	if err != nil {
		return "", err
	}

	if err := p.store.Put(ctx, call.SID, vars); err != nil {
		// The call is already placed; it proceeds with unresolved placeholders.
		p.logger.Error("storing call variables failed", "call_sid", call.SID, "error", err)
	}
	p.logger.Info("outbound call triggered", "call_sid", call.SID, "variables", len(vars))
	return call.SID, nil
}

func (p *Provider) authorized(apiKey string) bool {
	if p.apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(p.apiKey)) == 1
}

// MakeCall originates a call whose TwiML is fetched from the voice webhook.
func (p *Provider) MakeCall(ctx context.Context, to string, opts ...callsystem.CallOption) (*client.Call, error) {
	callOpts := &callsystem.CallOptions{
		StatusCallback: p.httpsURL(voiceagent.RouteStatus),
	}
	for _, opt := range p.callOps {
		opt(callOpts)
	}
	for _, opt := range opts {
		opt(callOpts)
	}

	from := callOpts.From
	if from == "" {
		from = p.from
	}
	if from == "" {
		return nil, errors.New("from number is required")
	}

	params := &client.MakeCallParams{
		To:   to,
		From: from,
		URL:  p.httpsURL(voiceagent.RouteVoice),
	}
	if callOpts.StatusCallback != "" {
		params.StatusCallback = callOpts.StatusCallback
		params.StatusCallbackEvent = []string{"completed"}
	}
	if callOpts.Timeout > 0 {
		params.Timeout = int(callOpts.Timeout.Seconds())
	}
	if callOpts.MachineDetect {
		params.MachineDetection = "Enable"
	}
	if callOpts.Record {
		params.Record = true
		params.RecordingChannels = "dual"
	}

	call, err := p.client.MakeCall(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to make call: %w", err)
	}
	return call, nil
}

// Hangup ends a live call.
func (p *Provider) Hangup(ctx context.Context, callID string) error {
	if _, err := p.client.HangupCall(ctx, callID); err != nil {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	p.logger.Info("call hung up", "call_sid", callID)
	return nil
}

// Announce replaces the live call's TwiML so Twilio speaks text and hangs up.
func (p *Provider) Announce(ctx context.Context, callID, text string) error {
	doc, err := p.SayTwiML(text)
	if err != nil {
		return err
	}
	if _, err := p.client.UpdateCall(ctx, callID, &client.UpdateCallParams{Twiml: doc}); err != nil {
		return fmt.Errorf("failed to announce: %w", err)
	}
	p.logger.Info("fallback announced", "call_sid", callID)
	return nil
}

// HandleStatusCallback records a Twilio status callback. Calls that reached a
// final status no longer need their variables.
func (p *Provider) HandleStatusCallback(ctx context.Context, callID, status string) callsystem.CallStatus {
	mapped := mapCallStatus(status)
	p.logger.Info("call status", "call_sid", callID, "status", status)

	if isTerminal(mapped) {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := p.store.Delete(ctx, callID); err != nil {
			p.logger.Warn("deleting call variables failed", "call_sid", callID, "error", err)
		}
	}
	return mapped
}

// mapCallStatus maps Twilio status to OmniVoice status.
func mapCallStatus(status string) callsystem.CallStatus {
	switch status {
	case "queued", "initiated", "ringing":
		return callsystem.StatusRinging
	case "in-progress":
		return callsystem.StatusAnswered
	case "completed":
		return callsystem.StatusEnded
	case "busy":
		return callsystem.StatusBusy
	case "no-answer":
		return callsystem.StatusNoAnswer
	case "failed", "canceled":
		return callsystem.StatusFailed
	default:
		return callsystem.StatusRinging
	}
}

func isTerminal(status callsystem.CallStatus) bool {
	switch status {
	case callsystem.StatusEnded, callsystem.StatusBusy, callsystem.StatusNoAnswer, callsystem.StatusFailed:
		return true
	}
	return false
}
