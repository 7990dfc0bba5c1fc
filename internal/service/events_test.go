package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe(1)
	defer cancelA()
	b, cancelB := hub.Subscribe(2)
	defer cancelB()

	require.NoError(t, hub.Notify(context.Background(), 1))
	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("subscriber of session 1 was not notified")
	}
	select {
	case <-b:
		t.Fatal("subscriber of session 2 was notified")
	default:
	}
}

func TestHubCoalescesAndUnsubscribes(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(5)
	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Notify(context.Background(), 5))
	}
	assert.Len(t, ch, 1)

	cancel()
	cancel()
	<-ch
	require.NoError(t, hub.Notify(context.Background(), 5))
	assert.Len(t, ch, 0)
}

func TestHubRunForwardsFeed(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(9)
	defer cancel()

	feed := make(chan int64)
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background(), feed)
		close(done)
	}()
	feed <- 9
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("feed id was not forwarded")
	}
	close(feed)
	<-done
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(3)
	hub.Close()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok)
	cancel()
	require.NoError(t, hub.Notify(context.Background(), 3))

	late, cancelLate := hub.Subscribe(3)
	defer cancelLate()
	_, ok = <-late
	assert.False(t, ok)
}
