package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Error taxonomy shared by the session layer and its callers.
//
// Callers match with errors.Is; concrete HTTP details are carried by *StatusError.
var (
	// ErrUnauthorized: bad credentials, or an expired/invalid session that could not be refreshed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden: authenticated but missing a required role. The session is preserved.
	ErrForbidden = errors.New("forbidden")
	// ErrNetworkUnavailable: no response was received from the backend.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrValidation: the backend rejected the payload (400).
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrServer     = errors.New("server error")
)

// maxErrorBody bounds how much of an error response is kept in memory.
const maxErrorBody = 64 << 10

// StatusError describes a non-2xx backend response.
type StatusError struct {
	Status int
	Body   []byte
	// Fields holds DRF-style field messages for 400 responses ({"field": ["msg"]}).
	Fields map[string][]string
	Err    error
}

func (e *StatusError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Err, e.Status, e.fieldSummary())
	}
	if detail := detailOf(e.Body); detail != "" {
		return fmt.Sprintf("%v (status %d): %s", e.Err, e.Status, detail)
	}
	return fmt.Sprintf("%v (status %d)", e.Err, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) fieldSummary() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return strings.Join(parts, ", ")
}

// Sentinel maps an HTTP status to the taxonomy.
func Sentinel(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == 0:
		return ErrNetworkUnavailable
	case status >= 500:
		return ErrServer
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

// FromResponse returns nil for 2xx responses and a *StatusError otherwise.
// The response body is read (bounded) but not closed.
func FromResponse(resp *http.Response) error {
	if resp == nil {
		return ErrNetworkUnavailable
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Status: resp.StatusCode, Body: body, Err: Sentinel(resp.StatusCode)}
	if errors.Is(se.Err, ErrValidation) {
		se.Fields = parseFields(body)
	}
	return se
}

// FromTransport classifies an error returned by http.Client.Do.
// Context cancellation is passed through unchanged.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNetworkUnavailable) {
		return err
	}
	inner := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		inner = urlErr.Err
	}
	var netErr net.Error
	if errors.As(inner, &netErr) || errors.Is(inner, io.EOF) || errors.Is(inner, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	return err
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func parseFields(body []byte) map[string][]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	out := make(map[string][]string, len(raw))
	for k, v := range raw {
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			out[k] = list
			continue
		}
		var single string
		if err := json.Unmarshal(v, &single); err == nil {
			out[k] = []string{single}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func detailOf(body []byte) string {
	var v struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	if v.Detail != "" {
		return v.Detail
	}
	return v.Error
}
