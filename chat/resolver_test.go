package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minichat/bus"
	"minichat/store"
)

func newTestCore(t *testing.T) (*store.MemStore, *bus.Bus, *Resolver, *Messages, *Seen) {
	t.Helper()
	st := store.NewMemStore()
	b := bus.New()
	return st, b, NewResolver(st, b), NewMessages(st, b), NewSeen(st, b)
}

func TestFindOrCreateDirect(t *testing.T) {
	_, b, resolver, _, _ := newTestCore(t)
	ctx := context.Background()

	sub := b.NewSubscriber(4)
	b.Attach(sub, bus.UserChannel(2))

	conv, err := resolver.FindOrCreateDirect(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, conv.IsGroup)

	// both orders resolve to the same conversation, no second announce.
	again, err := resolver.FindOrCreateDirect(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	e := <-sub.C
	assert.Equal(t, bus.EventNewConversation, e.Type)
	assert.Equal(t, conv.ID, e.ConversationID)
	select {
	case <-sub.C:
		t.Fatal("existing conversation must not be announced again")
	default:
	}

	_, err = resolver.FindOrCreateDirect(ctx, 5, 5)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParticipants, AsError(err).Code)
}

func TestFindOrCreateDirectConcurrent(t *testing.T) {
	_, _, resolver, _, _ := newTestCore(t)
	ctx := context.Background()

	var lock sync.Mutex
	ids := make(map[int64]int)

	var wg sync.WaitGroup
	const N = 50
	for j := 0; j < N; j++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := store.UserID(1), store.UserID(2)
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := resolver.FindOrCreateDirect(ctx, a, b)
			if err != nil {
				panic(err)
			}
			lock.Lock()
			ids[conv.ID]++
			lock.Unlock()
		}(j)
	}
	wg.Wait()

	require.Len(t, ids, 1)
	for _, n := range ids {
		assert.Equal(t, N, n)
	}
}

func TestCreateGroup(t *testing.T) {
	_, b, resolver, _, _ := newTestCore(t)
	ctx := context.Background()

	sub := b.NewSubscriber(4)
	b.Attach(sub, bus.UserChannel(3))

	conv, err := resolver.CreateGroup(ctx, 1, []store.UserID{2, 3, 2, 1}, "team")
	require.NoError(t, err)
	assert.True(t, conv.IsGroup)
	assert.Equal(t, "team", conv.Name)
	assert.ElementsMatch(t, []store.UserID{1, 2, 3}, conv.Participants)

	e := <-sub.C
	assert.Equal(t, bus.EventNewConversation, e.Type)

	// groups are never deduplicated.
	conv2, err := resolver.CreateGroup(ctx, 1, []store.UserID{2, 3}, "team")
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, conv2.ID)

	_, err = resolver.CreateGroup(ctx, 1, nil, "loners")
	assert.Equal(t, CodeInvalidParticipants, AsError(err).Code)

	_, err = resolver.CreateGroup(ctx, 1, []store.UserID{2}, "")
	assert.Equal(t, CodeInvalidParticipants, AsError(err).Code)
}

func TestAddParticipant(t *testing.T) {
	_, b, resolver, _, _ := newTestCore(t)
	ctx := context.Background()

	group, err := resolver.CreateGroup(ctx, 1, []store.UserID{2}, "team")
	require.NoError(t, err)

	sub := b.NewSubscriber(4)
	b.Attach(sub, bus.UserChannel(3))

	// outsiders cannot invite.
	_, err = resolver.AddParticipant(ctx, group.ID, 9, 3)
	assert.Equal(t, CodeNotParticipant, AsError(err).Code)

	conv, err := resolver.AddParticipant(ctx, group.ID, 1, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []store.UserID{1, 2, 3}, conv.Participants)

	e := <-sub.C
	assert.Equal(t, bus.EventNewConversation, e.Type)
	assert.Equal(t, group.ID, e.ConversationID)

	// adding again changes nothing.
	conv, err = resolver.AddParticipant(ctx, group.ID, 1, 3)
	require.NoError(t, err)
	assert.Len(t, conv.Participants, 3)

	direct, err := resolver.FindOrCreateDirect(ctx, 1, 2)
	require.NoError(t, err)
	_, err = resolver.AddParticipant(ctx, direct.ID, 1, 3)
	assert.Equal(t, CodeInvalidParticipants, AsError(err).Code)

	_, err = resolver.AddParticipant(ctx, 9999, 1, 3)
	assert.Equal(t, CodeNotFound, AsError(err).Code)
}
