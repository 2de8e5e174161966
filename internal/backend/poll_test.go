package backend

import (
	"context"
	"testing"
	"time"
)

func TestPollSubscription_OutlivesSetupContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := NewPollSubscription(ctx, "INBOX", time.Millisecond,
		func(context.Context) (bool, error) { return true, nil })
	defer sub.Close()

	// The setup context ends as soon as the submitting job returns; the
	// subscription must keep polling until Close.
	cancel()

	select {
	case _, ok := <-sub.Changes():
		if !ok {
			t.Fatal("subscription died with its setup context")
		}
	case <-time.After(time.Second):
		t.Fatal("no change emitted after setup context was cancelled")
	}
}
