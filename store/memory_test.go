package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDirectDedup(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.GetDirect(ctx, 1, 2)
	assert.Equal(t, ErrNotFound, err)

	conv, err := s.InsertDirect(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, conv.IsGroup)
	assert.ElementsMatch(t, []UserID{1, 2}, conv.Participants)

	// the reversed pair resolves to the same conversation.
	got, err := s.GetDirect(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = s.InsertDirect(ctx, 2, 1)
	assert.True(t, s.IsDupKeyError(err))
}

func TestMemDirectDedupConcurrent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	var lock sync.Mutex
	ids := make(map[int64]int)
	var dups int

	var wg sync.WaitGroup
	const N = 50
	for j := 0; j < N; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := s.InsertDirect(ctx, 3, 4)
			if err != nil {
				if !s.IsDupKeyError(err) {
					panic(err)
				}
				var gerr error
				conv, gerr = s.GetDirect(ctx, 3, 4)
				if gerr != nil {
					panic(gerr)
				}
				lock.Lock()
				dups++
				lock.Unlock()
			}
			lock.Lock()
			ids[conv.ID]++
			lock.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, N-1, dups)
}

func TestMemAppendMessageSeq(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	conv, err := s.InsertDirect(ctx, 1, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	const N = 50
	for j := 0; j < N; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendMessage(ctx, conv.ID, 1, "hi", ""); err != nil {
				panic(err)
			}
		}()
	}
	wg.Wait()

	msgs, err := s.GetMessages(ctx, conv.ID, 1, N)
	require.NoError(t, err)
	require.Len(t, msgs, N)
	for i, m := range msgs {
		// dense: 1, 2, 3, ... with no gaps.
		assert.Equal(t, int32(i+1), m.Seq)
	}
}

func TestMemMarkSeen(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	conv, err := s.InsertDirect(ctx, 1, 2)
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, conv.ID, 1, "a", "")
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, conv.ID, 1, "b", "")
	require.NoError(t, err)
	m3, err := s.AppendMessage(ctx, conv.ID, 2, "c", "")
	require.NoError(t, err)

	// catching up to m3 covers m1 and m2, skips user 2's own m3.
	res, err := s.MarkSeen(ctx, conv.ID, 2, m3.ID)
	require.NoError(t, err)
	require.Len(t, res.Receipts, 2)
	assert.Equal(t, m1.ID, res.Receipts[0].MessageID)
	assert.Equal(t, m2.ID, res.Receipts[1].MessageID)
	// user 2 is the only reader of m1 and m2 in a direct conversation.
	assert.Equal(t, []int64{m1.ID, m2.ID}, res.FullySeen)

	// repeated catch-up is a no-op.
	res, err = s.MarkSeen(ctx, conv.ID, 2, m3.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Receipts)
	assert.Empty(t, res.FullySeen)

	_, err = s.MarkSeen(ctx, conv.ID, 2, 9999)
	assert.Equal(t, ErrNotFound, err)
}

func TestMemSeenStatesAndUnread(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	conv, err := s.InsertGroup(ctx, "team", []UserID{1, 2, 3})
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, conv.ID, 1, "a", "")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, 1, "b", "")
	require.NoError(t, err)

	res, err := s.MarkSeen(ctx, conv.ID, 2, m1.ID)
	require.NoError(t, err)
	// user 3 has not seen m1 yet.
	assert.Empty(t, res.FullySeen)

	res, err = s.MarkSeen(ctx, conv.ID, 3, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{m1.ID}, res.FullySeen)

	states, err := s.SeenStates(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, states.Blocks, 1)
	assert.Equal(t, int32(1), states.Blocks[0].Seq)
	assert.Equal(t, int32(2), states.Blocks[0].Len)
	// 10_00000 in big endian bits: seq 1 seen, seq 2 not.
	assert.Equal(t, "gA==", states.Blocks[0].Base64)

	views, err := s.ListConversations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int32(1), views[0].Unread)

	views, err = s.ListConversations(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(0), views[0].Unread)
}

func TestMemAddParticipant(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	conv, err := s.InsertGroup(ctx, "team", []UserID{1, 2})
	require.NoError(t, err)

	require.NoError(t, s.AddParticipant(ctx, conv.ID, 3))
	// idempotent.
	require.NoError(t, s.AddParticipant(ctx, conv.ID, 3))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []UserID{1, 2, 3}, got.Participants)

	assert.Equal(t, ErrNotFound, s.AddParticipant(ctx, 9999, 3))
}
