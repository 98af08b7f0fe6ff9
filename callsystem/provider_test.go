package callsystem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/agentplexus/omnivoice/callsystem"

	"github.com/agentplexus/twilio-voice-agent/internal/client"
	"github.com/agentplexus/twilio-voice-agent/sessionvars"
)

// fakeTwilio records call-resource requests.
type fakeTwilio struct {
	mu       sync.Mutex
	requests []url.Values
	paths    []string
	fail     bool
}

func (f *fakeTwilio) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.requests = append(f.requests, r.PostForm)
	f.paths = append(f.paths, r.URL.Path)
	fail := f.fail
	f.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
		return
	}
	_, _ = w.Write([]byte(`{"sid":"CA100","status":"queued"}`))
}

func (f *fakeTwilio) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestProvider(t *testing.T, opts ...Option) (*Provider, *fakeTwilio, *sessionvars.MemoryStore) {
	t.Helper()
	fake := &fakeTwilio{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store := sessionvars.NewMemoryStore()
	opts = append([]Option{
		WithAccountSID("AC1"),
		WithAuthToken("token"),
		WithPhoneNumber("+15550000"),
		WithHost("bridge.example.com"),
		WithAPIKey("s3cret"),
		WithAPIBaseURL(srv.URL),
		WithStore(store),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	p, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, fake, store
}

func TestTrigger(t *testing.T) {
	p, fake, store := newTestProvider(t)

	callID, err := p.Trigger(context.Background(), "s3cret", "+15551234", sessionvars.Variables{"company_name": "Acme"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if callID != "CA100" {
		t.Fatalf("callID=%q", callID)
	}

	form := fake.requests[0]
	if form.Get("To") != "+15551234" || form.Get("From") != "+15550000" {
		t.Fatalf("form=%v", form)
	}
	if form.Get("Url") != "https://bridge.example.com/voice" {
		t.Fatalf("Url=%q", form.Get("Url"))
	}
	if form.Get("StatusCallback") != "https://bridge.example.com/status" || form.Get("StatusCallbackEvent") != "completed" {
		t.Fatalf("status callback=%v", form)
	}

	vars, _ := store.Get(context.Background(), "CA100")
	if vars["company_name"] != "Acme" {
		t.Fatalf("stored vars=%v", vars)
	}
}

func TestTrigger_RejectsWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		to   string
		want error
	}{
		{name: "wrong key", key: "nope", to: "+1555", want: ErrUnauthorized},
		{name: "empty key", key: "", to: "+1555", want: ErrUnauthorized},
		{name: "missing to", key: "s3cret", to: "", want: ErrMissingDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fake, store := newTestProvider(t)
			_, err := p.Trigger(context.Background(), tt.key, tt.to, sessionvars.Variables{"a": "b"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
			if fake.count() != 0 {
				t.Fatalf("provider called %d times", fake.count())
			}
			if store.Len() != 0 {
				t.Fatalf("store written")
			}
		})
	}
}

func TestTrigger_NoConfiguredKeyRejectsAll(t *testing.T) {
	p, fake, _ := newTestProvider(t, WithAPIKey(""))
	if _, err := p.Trigger(context.Background(), "", "+1555", nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v", err)
	}
	if fake.count() != 0 {
		t.Fatalf("provider called")
	}
}

func TestTrigger_ProviderFailure(t *testing.T) {
	p, fake, store := newTestProvider(t)
	fake.fail = true

	_, err := p.Trigger(context.Background(), "s3cret", "+1", sessionvars.Variables{"a": "b"})
	var apiErr *client.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 21211 {
		t.Fatalf("err=%v, want wrapped *client.Error", err)
	}
	if store.Len() != 0 {
		t.Fatalf("store written after failure")
	}
}

func TestMakeCall_CallOptions(t *testing.T) {
	p, fake, _ := newTestProvider(t, WithCallOptions(func(o *callsystem.CallOptions) {
		o.MachineDetect = true
	}))

	_, err := p.MakeCall(context.Background(), "+1555", func(o *callsystem.CallOptions) {
		o.From = "+1999"
		o.Record = true
	})
	if err != nil {
		t.Fatalf("MakeCall: %v", err)
	}
	form := fake.requests[0]
	if form.Get("From") != "+1999" || form.Get("MachineDetection") != "Enable" || form.Get("RecordingChannels") != "dual" {
		t.Fatalf("form=%v", form)
	}
}

func TestHandleStatusCallback(t *testing.T) {
	p, _, store := newTestProvider(t)
	ctx := context.Background()

	_ = store.Put(ctx, "CA1", sessionvars.Variables{"a": "b"})
	if got := p.HandleStatusCallback(ctx, "CA1", "in-progress"); got != callsystem.StatusAnswered {
		t.Fatalf("status=%v", got)
	}
	if store.Len() != 1 {
		t.Fatalf("entry removed before completion")
	}

	for _, status := range []string{"completed", "busy", "no-answer", "failed", "canceled"} {
		_ = store.Put(ctx, "CA1", sessionvars.Variables{"a": "b"})
		p.HandleStatusCallback(ctx, "CA1", status)
		if store.Len() != 0 {
			t.Fatalf("%s: entry kept", status)
		}
	}
}

func TestHangupAndAnnounce(t *testing.T) {
	p, fake, _ := newTestProvider(t)
	ctx := context.Background()

	if err := p.Hangup(ctx, "CA7"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if err := p.Announce(ctx, "CA7", "Sorry, please call back."); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if fake.paths[0] != "/Accounts/AC1/Calls/CA7.json" || fake.requests[0].Get("Status") != "completed" {
		t.Fatalf("hangup request %s %v", fake.paths[0], fake.requests[0])
	}
	doc := fake.requests[1].Get("Twiml")
	if !strings.Contains(doc, "Sorry, please call back.") || !strings.Contains(doc, "<Hangup") {
		t.Fatalf("announce twiml=%s", doc)
	}
}

func TestTwiMLDocuments(t *testing.T) {
	p, _, _ := newTestProvider(t)

	incoming, err := p.IncomingTwiML()
	if err != nil {
		t.Fatalf("IncomingTwiML: %v", err)
	}
	if !strings.Contains(incoming, `url="wss://bridge.example.com/connection"`) || !strings.Contains(incoming, "<Connect") {
		t.Fatalf("incoming=%s", incoming)
	}

	voice, err := p.VoiceTwiML("CA42")
	if err != nil {
		t.Fatalf("VoiceTwiML: %v", err)
	}
	if !strings.Contains(voice, "wss://bridge.example.com/connection?callSid=CA42") {
		t.Fatalf("voice url missing: %s", voice)
	}
	if !strings.Contains(voice, `name="callSid"`) || !strings.Contains(voice, `value="CA42"`) {
		t.Fatalf("voice parameter missing: %s", voice)
	}

	if _, err := p.VoiceTwiML(""); err == nil {
		t.Fatalf("expected error for empty call id")
	}
}

func TestNew_RequiresHostAndCredentials(t *testing.T) {
	if _, err := New(WithAccountSID("AC1"), WithAuthToken("t")); err == nil {
		t.Fatalf("expected missing host error")
	}
	if _, err := New(WithHost("h")); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}
