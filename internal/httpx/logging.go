package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"riskwatch/internal/apperr"
	"riskwatch/pkg/logger"
)

type ridKey struct{}

// WithRequestID makes outbound calls made with ctx carry rid.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, ridKey{}, rid)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(ridKey{}).(string)
	return s
}

// Logging logs every outbound call and tags it with X-Request-Id.
// Authorization headers and bodies are never logged.
type Logging struct {
	base http.RoundTripper
	log  *slog.Logger
}

func NewLogging(base http.RoundTripper, l *slog.Logger) *Logging {
	if base == nil {
		base = http.DefaultTransport
	}
	if l == nil {
		l = slog.Default()
	}
	return &Logging{base: base, log: l}
}

func (t *Logging) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	rid := req.Header.Get(logger.HeaderRequestID)
	if rid == "" {
		rid = RequestID(req.Context())
	}
	if rid == "" {
		rid = uuid.NewString()
	}
	if req.Header.Get(logger.HeaderRequestID) != rid {
		req = req.Clone(req.Context())
		req.Header.Set(logger.HeaderRequestID, rid)
	}

	resp, err := t.base.RoundTrip(req)

	attrs := []any{
		"request_id", rid,
		"method", req.Method,
		"url", req.URL.Redacted(),
		"duration_ms", float64(time.Since(start).Milliseconds()),
	}
	if err != nil {
		err = apperr.FromTransport(err)
		t.log.Warn("upstream call failed", append(attrs, "err", err)...)
		return nil, err
	}
	attrs = append(attrs, "status", resp.StatusCode)
	switch {
	case resp.StatusCode >= 500:
		t.log.Error("upstream call", attrs...)
	case resp.StatusCode >= 400:
		t.log.Warn("upstream call", attrs...)
	default:
		t.log.Debug("upstream call", attrs...)
	}
	return resp, nil
}
