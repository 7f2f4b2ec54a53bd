package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubWaiter signals availability every time it is polled until stopped.
type stubWaiter struct {
	calls atomic.Int64
	block bool
}

func (w *stubWaiter) WaitForNotification(ctx context.Context) error {
	w.calls.Add(1)
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestNewNotifier_RequiresWaiter(t *testing.T) {
	_, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
}

func TestNotifier_SubscribeReceivesBroadcast(t *testing.T) {
	n, err := NewNotifier(NotifierOptions{
		Waiter:     &stubWaiter{},
		WaitWindow: 50 * time.Millisecond,
		Backoff:    time.Millisecond,
	})
	require.NoError(t, err)
	defer n.StopAll()

	unsub, ch := n.Subscribe()
	defer unsub()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a wakeup broadcast")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n, err := NewNotifier(NotifierOptions{
		Waiter:     &stubWaiter{block: true},
		WaitWindow: time.Minute,
	})
	require.NoError(t, err)
	defer n.StopAll()

	unsub, ch := n.Subscribe()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected closed channel")
	}

	// Unsubscribing twice is a no-op.
	unsub()
}

func TestNotifier_StopAllClosesSubscribers(t *testing.T) {
	w := &stubWaiter{block: true}
	n, err := NewNotifier(NotifierOptions{Waiter: w, WaitWindow: time.Minute})
	require.NoError(t, err)

	_, ch1 := n.Subscribe()
	_, ch2 := n.Subscribe()

	n.StopAll()

	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("expected closed channel")
		}
	}
}
