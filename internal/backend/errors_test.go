package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestWrap_ClassifiesDeadlineAsTimeout(t *testing.T) {
	err := Wrap("fetch", ProtocolViolation, fmt.Errorf("read: %w", context.DeadlineExceeded))
	if KindOf(err) != Timeout {
		t.Errorf("KindOf = %v, want Timeout", KindOf(err))
	}
	if !IsRetryable(err) {
		t.Error("timeouts must be retryable")
	}
}

func TestWrap_ClassifiesNetErrorAsUnreachable(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	err := Wrap("connect", ProtocolViolation, netErr)
	if KindOf(err) != Unreachable {
		t.Errorf("KindOf = %v, want Unreachable", KindOf(err))
	}
}

func TestWrap_PreservesExistingBackendError(t *testing.T) {
	orig := Errf(AuthFailed, "login", "rejected")
	err := Wrap("connect", Unreachable, fmt.Errorf("outer: %w", orig))
	if KindOf(err) != AuthFailed {
		t.Errorf("KindOf = %v, want AuthFailed", KindOf(err))
	}
	if IsRetryable(err) {
		t.Error("auth failures must never be retryable")
	}
	if !IsAuthFailure(err) {
		t.Error("IsAuthFailure should see through wrapping")
	}
}

func TestNeedsReconnect_OnlyForFramingViolations(t *testing.T) {
	plain := Errf(ProtocolViolation, "fetch", "odd response")
	if NeedsReconnect(plain) {
		t.Error("non-framing violation should not force reconnect")
	}
	framing := &Error{Kind: ProtocolViolation, Op: "read", Framing: true, Err: errors.New("garbled literal")}
	if !NeedsReconnect(framing) {
		t.Error("framing violation must force reconnect")
	}
}

func TestPollSubscription_EmitsAndCloses(t *testing.T) {
	sub := NewPollSubscription(context.Background(), "INBOX", 5*time.Millisecond, nil)

	select {
	case ch, ok := <-sub.Changes():
		if !ok {
			t.Fatal("channel closed before first change")
		}
		if ch.Mailbox != "INBOX" {
			t.Errorf("Mailbox = %q, want INBOX", ch.Mailbox)
		}
	case <-time.After(time.Second):
		t.Fatal("no change emitted")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Channel must be closed after Close returns (drain pending first).
	for {
		if _, ok := <-sub.Changes(); !ok {
			break
		}
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPollSubscription_ProbeSuppressesIdleTicks(t *testing.T) {
	sub := NewPollSubscription(context.Background(), "INBOX", 2*time.Millisecond,
		func(context.Context) (bool, error) { return false, nil })
	defer sub.Close()

	select {
	case <-sub.Changes():
		t.Error("probe returning false should suppress changes")
	case <-time.After(30 * time.Millisecond):
	}
}
