package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an agent failure.
type Kind string

const (
	KindConnectionRefused Kind = "connection_refused"
	KindTimeout           Kind = "timeout"
	KindCanceled          Kind = "canceled"
	// KindTransport covers other failures before a response, such as DNS
	// lookups and TLS handshakes.
	KindTransport Kind = "transport"
	KindRemoteStatus      Kind = "remote_status"
	KindRemoteEnvelope    Kind = "remote_envelope"
)

// Sentinels matched by errors.Is against *Error.
var (
	ErrConnectionRefused = errors.New("agent unreachable")
	ErrTimeout           = errors.New("agent request timed out")
	ErrTransport         = errors.New("agent transport failure")
	ErrRemoteStatus      = errors.New("agent returned an error status")
	ErrRemoteEnvelope    = errors.New("agent reported an error")
)

// Error is returned by every Client method that fails.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("agent ")
	b.WriteString(e.Op)
	switch e.Kind {
	case KindRemoteStatus:
		fmt.Fprintf(&b, ": status %d", e.Status)
	case KindTimeout:
		b.WriteString(": timeout")
	case KindConnectionRefused:
		b.WriteString(": unreachable")
	case KindCanceled:
		b.WriteString(": canceled")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnectionRefused:
		return e.Kind == KindConnectionRefused
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrRemoteStatus:
		return e.Kind == KindRemoteStatus
	case ErrRemoteEnvelope:
		return e.Kind == KindRemoteEnvelope
	}
	return false
}

// transportError classifies a failure that happened before a response arrived.
func transportError(op string, err error) *Error {
	kind := KindTransport
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindConnectionRefused
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// ExtractErrorMessage pulls a human-readable message out of an error body.
// It understands the agent envelope, Meta's {"error": {...}} shape, a few
// common alternatives and plain text.
func ExtractErrorMessage(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return truncate(text, 500)
	}
	if msg := messageFrom(doc); msg != "" {
		return msg
	}
	return truncate(text, 500)
}

func messageFrom(doc map[string]any) string {
	msg, _ := doc["message"].(string)
	details, _ := doc["error_details"].(string)
	switch {
	case msg != "" && details != "" && !strings.Contains(msg, details):
		return msg + " (" + details + ")"
	case msg != "":
		return msg
	case details != "":
		return details
	}
	if s, ok := doc["detail"].(string); ok && s != "" {
		return s
	}
	switch e := doc["error"].(type) {
	case string:
		return e
	case map[string]any:
		m, _ := e["message"].(string)
		if code, ok := e["code"]; ok {
			m = fmt.Sprintf("Meta API Error %v: %s", code, m)
		}
		if sub, ok := e["error_subcode"]; ok {
			m += fmt.Sprintf(" (Subcode: %v)", sub)
		}
		return m
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
