package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := newMemoryBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe("ROOM1")
	defer cancelA()
	b, cancelB := bus.Subscribe("ROOM1")
	defer cancelB()
	other, cancelOther := bus.Subscribe("ROOM2")
	defer cancelOther()

	require.NoError(t, bus.Publish(context.Background(), "ROOM1", PickingStarted{}))

	require.Equal(t, PickingStarted{}, receiveEvent(t, a))
	require.Equal(t, PickingStarted{}, receiveEvent(t, b))

	select {
	case e := <-other:
		t.Fatalf("subscriber of another session received %#v", e)
	default:
	}
}

func TestMemoryBusCancel(t *testing.T) {
	bus := newMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe("ROOM1")
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing to a session with no remaining subscribers is a no-op.
	require.NoError(t, bus.Publish(context.Background(), "ROOM1", PickingStarted{}))

	// Cancelling twice is safe.
	cancel()
}

func TestMemoryBusDropsSlowSubscriber(t *testing.T) {
	bus := newMemoryBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe("ROOM1")
	defer cancel()

	// Overflow the buffer without draining; Publish must not block and the
	// overflow must be dropped rather than delivered late.
	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "ROOM1", ProgressChanged{Progress: i}))
	}

	delivered := 0
	for {
		select {
		case <-ch:
			delivered++
			continue
		default:
		}
		break
	}

	require.Equal(t, subscriberBuffer, delivered)
}

func TestMemoryBusClose(t *testing.T) {
	bus := newMemoryBus()

	ch, cancel := bus.Subscribe("ROOM1")
	require.NoError(t, bus.Close())

	_, ok := <-ch
	require.False(t, ok)

	// Subscribing after close yields an already-closed channel.
	late, _ := bus.Subscribe("ROOM1")
	_, ok = <-late
	require.False(t, ok)

	// Cancel after close must not double-close.
	cancel()

	require.NoError(t, bus.Close())
}
