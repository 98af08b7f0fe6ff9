// Package client is a minimal Twilio REST client covering the call resource.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	voiceagent "github.com/agentplexus/twilio-voice-agent"
)

// Call statuses accepted by UpdateCall.
const (
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// Client talks to the Twilio REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client. Credentials are required; BaseURL defaults to the
// public API.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio auth token is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = voiceagent.DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call is a Twilio call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	AnsweredBy  string `json:"answered_by"`
	DateCreated string `json:"date_created"`
	DateUpdated string `json:"date_updated"`
}

// MakeCallParams are parameters for originating a call. Exactly one of URL
// and Twiml should be set.
type MakeCallParams struct {
	To                  string
	From                string
	URL                 string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string
	MachineDetection    string // "Enable" or "DetectMessageEnd"
	Timeout             int    // ring timeout in seconds
	Record              bool
	RecordingChannels   string // "mono" or "dual"
}

func (p *MakeCallParams) values() url.Values {
	data := url.Values{}
	data.Set("To", p.To)
	data.Set("From", p.From)
	setIf(data, "Url", p.URL)
	setIf(data, "Twiml", p.Twiml)
	setIf(data, "StatusCallback", p.StatusCallback)
	for _, event := range p.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}
	setIf(data, "MachineDetection", p.MachineDetection)
	if p.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(p.Timeout))
	}
	if p.Record {
		data.Set("Record", "true")
		setIf(data, "RecordingChannels", p.RecordingChannels)
	}
	return data
}

// MakeCall originates an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	if params == nil || params.To == "" || params.From == "" {
		return nil, errors.New("make call: to and from are required")
	}

	var call Call
	if err := c.post(ctx, c.callsURL(), params.values(), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.callURL(callSID), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallParams redirect or end a live call.
type UpdateCallParams struct {
	URL    string
	Twiml  string
	Status string // StatusCompleted or StatusCanceled
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params *UpdateCallParams) (*Call, error) {
	data := url.Values{}
	setIf(data, "Url", params.URL)
	setIf(data, "Twiml", params.Twiml)
	setIf(data, "Status", params.Status)

	var call Call
	if err := c.post(ctx, c.callURL(callSID), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, &UpdateCallParams{Status: StatusCompleted})
}

// Error is a Twilio API error response.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *Client) callsURL() string {
	return fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, url.PathEscape(c.accountSID))
}

func (c *Client) callURL(callSID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(callSID))
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read twilio response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func setIf(data url.Values, key, value string) {
	if value != "" {
		data.Set(key, value)
	}
}
