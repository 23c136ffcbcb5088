package notifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func assertNotified(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		require.Fail(t, "expected notification", msg)
	}
}

func assertNoUpdate(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
		require.Fail(t, "unexpected notification", msg)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSimpleNotify(t *testing.T) {
	fn, n := New()
	fn()
	assertNotified(t, n, "when notified")
	assertNoUpdate(t, n, "when not notified again")
}

func TestMultipleNotifyCoalesce(t *testing.T) {
	fn, n := New()
	for i := 0; i < 5; i++ {
		fn()
	}
	assertNotified(t, n, "when notified")
	assertNoUpdate(t, n, "multiple notifications are merged")
}

func TestNotifyDoesNotBlock(t *testing.T) {
	fn, _ := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			fn()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Notify should never block even without a receiver")
	}
}
