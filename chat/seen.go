package chat

import (
	"context"

	"minichat/bus"
	"minichat/store"
)

// Seen records catch-up read receipts and reports aggregate states.
type Seen struct {
	store store.IStore
	bus   *bus.Bus
}

func NewSeen(s store.IStore, b *bus.Bus) *Seen {
	return &Seen{store: s, bus: b}
}

// MarkSeen records that uid has seen every message in the conversation
// up to and including message upTo. Messages sent by uid are skipped.
// Already-recorded receipts are untouched, so a repeated call is a
// no-op. When any messages became seen by all other participants, a
// SeenUpdate is published on the conversation channel.
func (s *Seen) MarkSeen(ctx context.Context, convID int64, uid store.UserID, upTo int64) (*store.MarkSeenResult, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, wrapStorage(err, "conversation")
	}
	if !conv.HasParticipant(uid) {
		return nil, errNotParticipant(uid, convID)
	}
	if _, err := s.store.GetMessage(ctx, convID, upTo); err != nil {
		return nil, wrapStorage(err, "message")
	}

	res, err := s.store.MarkSeen(ctx, convID, uid, upTo)
	if err != nil {
		return nil, wrapStorage(err, "seen receipts")
	}

	if len(res.FullySeen) > 0 {
		s.bus.Publish(bus.ConvChannel(convID), &bus.Event{
			Type:           bus.EventSeenUpdate,
			ConversationID: convID,
			Seen:           &bus.SeenUpdate{UserID: uid, FullySeen: res.FullySeen},
		})
	}
	return res, nil
}

// States returns the per-message fully-seen bitmap of the conversation
// for seq 1..headSeq.
func (s *Seen) States(ctx context.Context, convID int64, caller store.UserID, headSeq int32) (*store.SeenStates, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, wrapStorage(err, "conversation")
	}
	if !conv.HasParticipant(caller) {
		return nil, errNotParticipant(caller, convID)
	}
	states, err := s.store.SeenStates(ctx, convID, headSeq)
	if err != nil {
		return nil, wrapStorage(err, "seen states")
	}
	return states, nil
}
