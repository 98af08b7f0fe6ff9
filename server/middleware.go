package server

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"
)

type ctxKeyRequestID struct{}

// RequestIDFrom returns the id assigned by RequestID.
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

// Recover turns a handler panic into a 500.
func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				reqID, _ := RequestIDFrom(r.Context())
				logger.Error("panic", "panic", v, "request_id", reqID, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the media stream upgrade through the access log.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// AccessLog logs one line per request.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// SignatureValidator checks an X-Twilio-Signature against the public URL
// and form parameters of a webhook.
type SignatureValidator func(url string, params map[string]string, signature string) bool

// NewSignatureValidator validates webhooks with the account's auth token.
func NewSignatureValidator(authToken string) SignatureValidator {
	validator := twilioclient.NewRequestValidator(authToken)
	return func(url string, params map[string]string, signature string) bool {
		return validator.Validate(url, params, signature)
	}
}

// TwilioSignature rejects webhooks whose signature does not match. Twilio
// signs the public URL, so the request is re-addressed to publicHost first.
func TwilioSignature(validate SignatureValidator, publicHost string, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		url := "https://" + publicHost + r.URL.RequestURI()
		if !validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			logger.Warn("rejected webhook with bad signature", "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
