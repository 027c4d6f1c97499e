package chat

import (
	"context"

	"github.com/golang/glog"

	"minichat/bus"
	"minichat/store"
)

// Resolver finds or creates conversations.
type Resolver struct {
	store store.IStore
	bus   *bus.Bus
}

func NewResolver(s store.IStore, b *bus.Bus) *Resolver {
	return &Resolver{store: s, bus: b}
}

// FindOrCreateDirect returns the one direct conversation of the pair
// {a, b}, creating it on first contact. Idempotent: concurrent callers
// race on the unique pair key and the loser retries the lookup, so no
// duplicate is ever created.
func (r *Resolver) FindOrCreateDirect(ctx context.Context, a, b store.UserID) (*store.Conversation, error) {
	if a == b {
		return nil, errInvalidParticipants("cannot start a conversation with yourself")
	}

	conv, err := r.store.GetDirect(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if err != store.ErrNotFound {
		return nil, wrapStorage(err, "conversation")
	}

	conv, err = r.store.InsertDirect(ctx, a, b)
	if err != nil {
		if r.store.IsDupKeyError(err) {
			// Lost the creation race, the winner's row is the one.
			glog.V(5).Infof("direct conversation race for pair %s, retrying lookup", store.PairKey(a, b))
			conv, err := r.store.GetDirect(ctx, a, b)
			if err != nil {
				return nil, wrapStorage(err, "conversation")
			}
			return conv, nil
		}
		return nil, wrapStorage(err, "conversation")
	}

	r.announce(conv, conv.Participants)
	return conv, nil
}

// CreateGroup creates a new named group conversation. Groups are never
// deduplicated: the same member set may form any number of groups.
func (r *Resolver) CreateGroup(ctx context.Context, creator store.UserID, members []store.UserID, name string) (*store.Conversation, error) {
	if name == "" {
		return nil, errInvalidParticipants("group name is required")
	}

	set := map[store.UserID]struct{}{creator: {}}
	uniq := []store.UserID{creator}
	for _, m := range members {
		if _, ok := set[m]; ok {
			continue
		}
		set[m] = struct{}{}
		uniq = append(uniq, m)
	}
	if len(uniq) < 2 {
		return nil, errInvalidParticipants("a group needs at least 2 members")
	}

	conv, err := r.store.InsertGroup(ctx, name, uniq)
	if err != nil {
		return nil, wrapStorage(err, "conversation")
	}

	r.announce(conv, conv.Participants)
	return conv, nil
}

// AddParticipant adds uid to a group conversation. Only a current
// participant may invite; direct conversations are immutable.
func (r *Resolver) AddParticipant(ctx context.Context, convID int64, caller, uid store.UserID) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, wrapStorage(err, "conversation")
	}
	if !conv.HasParticipant(caller) {
		return nil, errNotParticipant(caller, convID)
	}
	if !conv.IsGroup {
		return nil, errInvalidParticipants("cannot add participants to a direct conversation")
	}
	if conv.HasParticipant(uid) {
		return conv, nil
	}

	if err := r.store.AddParticipant(ctx, convID, uid); err != nil {
		return nil, wrapStorage(err, "conversation")
	}
	conv.Participants = append(conv.Participants, uid)

	// The new member's sessions learn about the conversation the same
	// way as a fresh one: an announcement on their personal channel.
	r.announce(conv, []store.UserID{uid})
	return conv, nil
}

// announce publishes NewConversation to each user's personal channel.
// Best-effort: the row is already durable.
func (r *Resolver) announce(conv *store.Conversation, to []store.UserID) {
	e := &bus.Event{
		Type:           bus.EventNewConversation,
		ConversationID: conv.ID,
		Conversation:   conv,
	}
	for _, uid := range to {
		r.bus.Publish(bus.UserChannel(uid), e)
	}
}
