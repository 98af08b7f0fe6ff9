package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/gorilla/websocket"
)

// pair returns a server-side Conn and the client socket talking to it.
func pair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()
	conns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, WithWriteTimeout(time.Second))
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatalf("no server connection")
		return nil, nil
	}
}

func TestReadFrame(t *testing.T) {
	conn, client := pair(t)

	start := `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1",` +
		`"tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},` +
		`"customParameters":{"callSid":"CA1"}},"streamSid":"MZ1"}`
	frames := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		start,
		`not json`,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"AQID"}}`,
		`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`,
	}
	for _, f := range frames {
		if err := client.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	f, err := conn.ReadFrame()
	if err != nil || f.Event != FrameConnected {
		t.Fatalf("frame=%+v err=%v", f, err)
	}

	f, err = conn.ReadFrame()
	if err != nil || f.Start == nil {
		t.Fatalf("frame=%+v err=%v", f, err)
	}
	if f.Start.CallSID != "CA1" || f.Start.CustomParameters["callSid"] != "CA1" || f.Start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("start=%+v", f.Start)
	}

	if _, err := conn.ReadFrame(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err=%v, want ErrMalformedFrame", err)
	}

	f, err = conn.ReadFrame()
	if err != nil {
		t.Fatalf("read after malformed frame: %v", err)
	}
	audio, err := f.DecodePayload()
	if err != nil || string(audio) != "\x01\x02\x03" {
		t.Fatalf("audio=%v err=%v", audio, err)
	}

	f, err = conn.ReadFrame()
	if err != nil || f.Event != FrameStop || f.Stop.CallSID != "CA1" {
		t.Fatalf("frame=%+v err=%v", f, err)
	}
}

func TestWriteFrames(t *testing.T) {
	conn, client := pair(t)

	if err := conn.WriteMedia("MZ1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMedia: %v", err)
	}
	if err := conn.SendMark("MZ1", "greeting"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}
	if err := conn.Clear("MZ1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	want := []string{
		`{"event":"media","streamSid":"MZ1","media":{"payload":"AQID"}}`,
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting"}}`,
		`{"event":"clear","streamSid":"MZ1"}`,
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, w := range want {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got := strings.TrimSpace(string(data)); got != w {
			t.Fatalf("frame %d=%s, want %s", i, got, w)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, client := pair(t)

	_ = conn.Close()
	_ = conn.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !IsNormalClose(err) {
		t.Fatalf("err=%v, want normal close", err)
	}
	if err := conn.WriteMedia("MZ1", []byte{1}); err == nil {
		t.Fatalf("write after close should fail")
	}
}

func TestFrameLifecycle(t *testing.T) {
	tests := []struct {
		frame Frame
		want  transport.Event
		ok    bool
		data  string
	}{
		{frame: Frame{Event: FrameConnected}, want: transport.Event{Type: transport.EventConnected}, ok: true},
		{frame: Frame{Event: FrameStart, Start: &Start{StreamSID: "MZ1"}}, want: transport.Event{Type: transport.EventAudioStarted}, ok: true, data: "MZ1"},
		{frame: Frame{Event: FrameStart}},
		{frame: Frame{Event: FrameDTMF, DTMF: &DTMF{Digit: "5"}}, want: transport.Event{Type: transport.EventDTMF}, ok: true, data: "5"},
		{frame: Frame{Event: FrameStop}, want: transport.Event{Type: transport.EventAudioStopped}, ok: true},
		{frame: Frame{Event: FrameMedia, Media: &Media{Payload: "AA=="}}},
	}
	for _, tt := range tests {
		ev, ok := tt.frame.Lifecycle()
		if ok != tt.ok {
			t.Fatalf("%s: ok=%v, want %v", tt.frame.Event, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if ev.Type != tt.want.Type {
			t.Fatalf("%s: type=%v, want %v", tt.frame.Event, ev.Type, tt.want.Type)
		}
		if tt.data != "" && ev.Data != tt.data {
			t.Fatalf("%s: data=%v, want %s", tt.frame.Event, ev.Data, tt.data)
		}
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	if _, err := (Frame{Event: FrameMedia}).DecodePayload(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err=%v", err)
	}
	if _, err := (Frame{Event: FrameMedia, Media: &Media{Payload: "!!"}}).DecodePayload(); err == nil {
		t.Fatalf("expected base64 error")
	}
}
