// Package transport speaks the Twilio Media Streams WebSocket protocol.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds each outbound frame.
const DefaultWriteTimeout = 5 * time.Second

// ErrMalformedFrame wraps inbound frames that are not valid JSON. The
// connection stays usable; callers log and keep reading.
var ErrMalformedFrame = errors.New("malformed media stream frame")

// Option configures a Conn.
type Option func(*options)

type options struct {
	writeTimeout time.Duration
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

var upgrader = websocket.Upgrader{
	// Twilio does not send an Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts a Media Streams WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewConn(ws, opts...), nil
}

// Conn is one Media Streams socket. ReadFrame must be called from a single
// goroutine; writes are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established WebSocket.
func NewConn(ws *websocket.Conn, opts ...Option) *Conn {
	cfg := &options{writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Conn{ws: ws, writeTimeout: cfg.writeTimeout}
}

// ReadFrame blocks for the next inbound frame. Socket errors are returned
// as-is; undecodable frames return an error wrapping ErrMalformedFrame.
func (c *Conn) ReadFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// DecodePayload returns the raw audio of a media frame.
func (f Frame) DecodePayload() ([]byte, error) {
	if f.Media == nil {
		return nil, fmt.Errorf("%w: media frame without body", ErrMalformedFrame)
	}
	audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return audio, nil
}

// WriteMedia sends audio to be played on the call.
func (c *Conn) WriteMedia(streamSID string, audio []byte) error {
	return c.writeJSON(outboundMedia{
		Event:     FrameMedia,
		StreamSID: streamSID,
		Media:     outboundBody{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// SendMark asks Twilio to echo a mark once playback reaches this point.
func (c *Conn) SendMark(streamSID, name string) error {
	return c.writeJSON(outboundMark{
		Event:     FrameMark,
		StreamSID: streamSID,
		Mark:      Mark{Name: name},
	})
}

// Clear discards audio Twilio has buffered but not yet played.
func (c *Conn) Clear(streamSID string) error {
	return c.writeJSON(outboundClear{Event: FrameClear, StreamSID: streamSID})
}

// Close closes the socket. Only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// IsNormalClose reports whether err is the peer closing the socket cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}
