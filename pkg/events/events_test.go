package events

import (
	"testing"
	"time"

	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := NewBroker(s)
	b.Start()
	t.Cleanup(b.Stop)
	return b, s
}

func TestPublishBroadcastsToSubscriber(t *testing.T) {
	b, _ := newTestBroker(t)

	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(&types.Event{ID: "e1", Kind: types.EventRegistered, Message: "drone registered"})

	select {
	case e := <-sub:
		require.Equal(t, "e1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	b, _ := newTestBroker(t)

	sub := b.Subscribe(types.EventBlocked)
	defer b.Unsubscribe(sub)

	b.Publish(&types.Event{ID: "e1", Kind: types.EventRegistered})
	b.Publish(&types.Event{ID: "e2", Kind: types.EventBlocked})

	select {
	case e := <-sub:
		require.Equal(t, "e2", e.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestTailReturnsNewestFirst(t *testing.T) {
	b, _ := newTestBroker(t)

	b.Publish(&types.Event{ID: "e1", Kind: types.EventRegistered})
	b.Publish(&types.Event{ID: "e2", Kind: types.EventRegistered})
	time.Sleep(50 * time.Millisecond)

	tail := b.Tail(10, "")
	require.Len(t, tail, 2)
	require.Equal(t, "e2", tail[0].ID)
	require.Equal(t, "e1", tail[1].ID)
}

func TestPublishPersistsToStore(t *testing.T) {
	b, s := newTestBroker(t)

	b.Publish(&types.Event{ID: "e1", Kind: types.EventRegistered})
	require.Eventually(t, func() bool {
		got, err := s.ListEvents(10, time.Time{}, "")
		return err == nil && len(got) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b, _ := newTestBroker(t)

	sub := b.Subscribe("")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok)
}
