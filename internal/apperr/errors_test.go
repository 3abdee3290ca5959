package apperr

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestFromResponse_MapsStatusToSentinel(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        ErrUnauthorized,
		http.StatusForbidden:           ErrForbidden,
		http.StatusNotFound:            ErrNotFound,
		http.StatusBadRequest:          ErrValidation,
		http.StatusInternalServerError: ErrServer,
		http.StatusBadGateway:          ErrServer,
	}
	for status, want := range cases {
		err := FromResponse(response(status, `{"detail":"x"}`))
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
		if Status(err) != status {
			t.Fatalf("status %d: Status() returned %d", status, Status(err))
		}
	}
	if err := FromResponse(response(http.StatusOK, "")); err != nil {
		t.Fatalf("expected nil for 200, got %v", err)
	}
}

func TestFromResponse_ParsesValidationFields(t *testing.T) {
	err := FromResponse(response(http.StatusBadRequest, `{"username":["required"],"password":"too short"}`))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if len(se.Fields["username"]) != 1 || se.Fields["password"][0] != "too short" {
		t.Fatalf("unexpected fields: %+v", se.Fields)
	}
	if !strings.Contains(err.Error(), "password: too short") {
		t.Fatalf("expected field summary in message, got %q", err.Error())
	}
}

func TestFromTransport_DialErrorIsNetworkUnavailable(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	err := FromTransport(&url.Error{Op: "Get", URL: "http://x", Err: dial})
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}

	other := errors.New("boom")
	if got := FromTransport(&url.Error{Op: "Get", URL: "http://x", Err: other}); errors.Is(got, ErrNetworkUnavailable) {
		t.Fatalf("non-network error must not be classified as network unavailable")
	}
}
