package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "minichat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltDirectDedup(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	conv, err := s.InsertDirect(ctx, 1, 2)
	require.NoError(t, err)

	_, err = s.InsertDirect(ctx, 2, 1)
	assert.True(t, s.IsDupKeyError(err))

	got, err := s.GetDirect(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = s.GetDirect(ctx, 1, 3)
	assert.Equal(t, ErrNotFound, err)
}

func TestBoltConversationScenario(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	conv, err := s.InsertDirect(ctx, 1, 2)
	require.NoError(t, err)

	// a second conversation: message keys of the two must not mix.
	other, err := s.InsertGroup(ctx, "team", []UserID{1, 3})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, other.ID, 3, "noise", "")
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, conv.ID, 1, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), m1.Seq)
	m2, err := s.AppendMessage(ctx, conv.ID, 2, "hi", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), m2.Seq)
	m3, err := s.AppendMessage(ctx, conv.ID, 1, "", "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, int32(3), m3.Seq)

	msgs, err := s.GetMessages(ctx, conv.ID, 1, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "photo.jpg", msgs[2].Attachment)

	msgs, err = s.GetMessages(ctx, conv.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m2.ID, msgs[0].ID)

	// messages of other conversations are invisible through this one.
	_, err = s.GetMessage(ctx, other.ID, m1.ID)
	assert.Equal(t, ErrNotFound, err)

	// user 2 catches up to m3: receipts for m1 and m3, not own m2.
	res, err := s.MarkSeen(ctx, conv.ID, 2, m3.ID)
	require.NoError(t, err)
	require.Len(t, res.Receipts, 2)
	assert.Equal(t, []int64{m1.ID, m3.ID}, res.FullySeen)

	res, err = s.MarkSeen(ctx, conv.ID, 2, m3.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Receipts)

	states, err := s.SeenStates(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, states.Blocks, 1)
	assert.Equal(t, int32(3), states.Blocks[0].Len)
	// seqs 1 and 3 fully seen, 2 not: 101_00000.
	assert.Equal(t, "oA==", states.Blocks[0].Base64)

	views, err := s.ListConversations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, conv.ID, views[0].ID)
	assert.Equal(t, int32(0), views[0].Unread)

	views, err = s.ListConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, views, 2)
}

func TestBoltSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minichat.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	conv, err := s.InsertDirect(ctx, 1, 2)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conv.ID, 1, "hello", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetDirect(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	m, err := s.AppendMessage(ctx, conv.ID, 2, "back", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), m.Seq)
}

func TestBoltAddParticipantChangesFullySeen(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	conv, err := s.InsertGroup(ctx, "team", []UserID{1, 2})
	require.NoError(t, err)
	m1, err := s.AppendMessage(ctx, conv.ID, 1, "a", "")
	require.NoError(t, err)

	require.NoError(t, s.AddParticipant(ctx, conv.ID, 3))

	// user 2 alone no longer completes the set: user 3 is a reader now.
	res, err := s.MarkSeen(ctx, conv.ID, 2, m1.ID)
	require.NoError(t, err)
	require.Len(t, res.Receipts, 1)
	assert.Empty(t, res.FullySeen)

	res, err = s.MarkSeen(ctx, conv.ID, 3, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{m1.ID}, res.FullySeen)
}
