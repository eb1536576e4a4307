package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapdog/snapdog-go/internal/state"
)

func TestBus_Publish_PreservesPerSubscriberOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	bus.Subscribe("order", func(n Notification) {
		mu.Lock()
		got = append(got, n.Payload.(ZoneVolumePayload).Volume)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})

	var f Factory
	for v := 1; v <= 50; v++ {
		bus.Publish(f.ZoneVolumeChanged(1, v))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive all notifications")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i+1, v)
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	blocked := make(chan struct{})
	bus.Subscribe("stuck", func(Notification) {
		<-blocked
	})

	fastDone := make(chan struct{})
	count := 0
	bus.Subscribe("fast", func(Notification) {
		count++
		if count == 10 {
			close(fastDone)
		}
	})

	var f Factory
	for i := 0; i < 10; i++ {
		bus.Publish(f.ZoneMuteChanged(1, true))
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber starved by stuck one")
	}
	close(blocked)
}

func TestBus_PanickingSubscriberKeepsDraining(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	delivered := make(chan string, 4)
	bus.Subscribe("flaky", func(n Notification) {
		if n.Event == "ZoneMuteChanged" {
			panic("boom")
		}
		delivered <- n.Event
	})

	var f Factory
	bus.Publish(f.ZoneMuteChanged(1, true))
	bus.Publish(f.ZoneVolumeChanged(1, 10))

	select {
	case ev := <-delivered:
		require.Equal(t, "ZoneVolumeChanged", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber stopped after panic")
	}
}

func TestBus_Unsubscribe_StopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe("once", func(Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var f Factory
	bus.Publish(f.ZoneVolumeChanged(1, 1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsub()
	bus.Publish(f.ZoneVolumeChanged(1, 2))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestFactory_RecordShapes(t *testing.T) {
	var f Factory

	n := f.ClientZoneChanged(3, 1, 2)
	require.Equal(t, "ClientZoneChanged", n.Event)
	require.Equal(t, EntityClient, n.Entity)
	require.Equal(t, 3, n.Index)
	require.Equal(t, AttrZone, n.Attribute)
	p := n.Payload.(ClientZonePayload)
	require.Equal(t, 1, p.OldZone)
	require.Equal(t, 2, p.NewZone)

	n = f.ZoneProgressChanged(2, 30_000, 0.25)
	pp := n.Payload.(ZoneProgressPayload)
	require.Equal(t, int64(30_000), pp.PositionMs)
	require.InDelta(t, 25.0, pp.ProgressPercent, 0.001)

	n = f.ZonePlaybackStateChanged(1, state.PlaybackPlaying)
	pb := n.Payload.(ZonePlaybackPayload)
	require.True(t, pb.IsPlaying)
	require.False(t, n.Timestamp.IsZero())
}
