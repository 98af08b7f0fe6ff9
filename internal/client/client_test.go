package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{AuthToken: "x"}); err == nil {
		t.Fatalf("expected missing account SID error")
	}
	if _, err := New(Config{AccountSID: "AC1"}); err == nil {
		t.Fatalf("expected missing auth token error")
	}
}

func TestMakeCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Accounts/AC1/Calls.json" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			t.Errorf("basic auth %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("To") != "+15550001" || r.PostForm.Get("Url") != "https://example.com/voice" {
			t.Errorf("form=%v", r.PostForm)
		}
		if got := r.PostForm["StatusCallbackEvent"]; len(got) != 1 || got[0] != "completed" {
			t.Errorf("StatusCallbackEvent=%v", got)
		}
		if r.PostForm.Get("Timeout") != "30" || r.PostForm.Has("Twiml") {
			t.Errorf("form=%v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
	})

	call, err := c.MakeCall(context.Background(), &MakeCallParams{
		To:                  "+15550001",
		From:                "+15550002",
		URL:                 "https://example.com/voice",
		StatusCallback:      "https://example.com/status",
		StatusCallbackEvent: []string{"completed"},
		Timeout:             30,
	})
	if err != nil {
		t.Fatalf("MakeCall: %v", err)
	}
	if call.SID != "CA123" || call.Status != "queued" {
		t.Fatalf("call=%+v", call)
	}
}

func TestMakeCall_Validation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	})
	if _, err := c.MakeCall(context.Background(), &MakeCallParams{From: "+1"}); err == nil {
		t.Fatalf("expected error without To")
	}
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	})

	_, err := c.MakeCall(context.Background(), &MakeCallParams{To: "bad", From: "+1"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v, want *Error", err)
	}
	if apiErr.Code != 21211 || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestAPIError_NonJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := c.GetCall(context.Background(), "CA1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v, want *Error", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream unavailable" {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestUpdateAndHangup(t *testing.T) {
	var forms []map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Accounts/AC1/Calls/CA9.json" {
			t.Errorf("path=%s", r.URL.Path)
		}
		_ = r.ParseForm()
		forms = append(forms, map[string]string{
			"Twiml":  r.PostForm.Get("Twiml"),
			"Status": r.PostForm.Get("Status"),
		})
		_, _ = w.Write([]byte(`{"sid":"CA9","status":"in-progress"}`))
	})

	if _, err := c.UpdateCall(context.Background(), "CA9", &UpdateCallParams{Twiml: "<Response/>"}); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	if _, err := c.HangupCall(context.Background(), "CA9"); err != nil {
		t.Fatalf("HangupCall: %v", err)
	}
	if len(forms) != 2 || forms[0]["Twiml"] != "<Response/>" || forms[1]["Status"] != StatusCompleted {
		t.Fatalf("forms=%v", forms)
	}
}
