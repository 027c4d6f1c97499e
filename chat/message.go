package chat

import (
	"context"
	"math"
	"sync"

	"github.com/golang/glog"

	"minichat/bus"
	"minichat/store"
)

const (
	snippetMaxRunes = 80

	// historyLimit caps one History page.
	historyLimit = 100
)

// Messages appends messages and fans out delivery events.
type Messages struct {
	store store.IStore
	bus   *bus.Bus

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewMessages(s store.IStore, b *bus.Bus) *Messages {
	return &Messages{store: s, bus: b, locks: make(map[int64]*sync.Mutex)}
}

// convLock returns the mutex serializing sends in one conversation.
// Publishing happens under it, so subscribers on a conversation
// channel observe strictly increasing sequence numbers.
func (m *Messages) convLock(convID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[convID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[convID] = l
	}
	return l
}

// Send appends a message to the conversation and publishes it to the
// conversation channel plus a preview to every participant's personal
// channel. The sender must be a participant and the message must carry
// a body or an attachment.
func (m *Messages) Send(ctx context.Context, convID int64, sender store.UserID, body, attachment string) (*store.Message, error) {
	if body == "" && attachment == "" {
		return nil, errEmptyMessage()
	}

	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, wrapStorage(err, "conversation")
	}
	if !conv.HasParticipant(sender) {
		return nil, errNotParticipant(sender, convID)
	}

	l := m.convLock(convID)
	l.Lock()
	defer l.Unlock()

	msg, err := m.store.AppendMessage(ctx, convID, sender, body, attachment)
	if err != nil {
		return nil, wrapStorage(err, "message")
	}
	glog.V(5).Infof("message %d seq %d appended to conversation %d", msg.ID, msg.Seq, convID)

	m.bus.Publish(bus.ConvChannel(convID), &bus.Event{
		Type:           bus.EventNewMessage,
		ConversationID: convID,
		Message:        msg,
	})

	preview := &bus.Event{
		Type:           bus.EventPreview,
		ConversationID: convID,
		Preview: &bus.Preview{
			From:    sender,
			Seq:     msg.Seq,
			Snippet: snippet(body, attachment),
		},
	}
	for _, uid := range conv.Participants {
		m.bus.Publish(bus.UserChannel(uid), preview)
	}
	return msg, nil
}

// History returns messages of the conversation in the seq range
// [fromSeq, toSeq], both ends optional (0 means unbounded). At most
// historyLimit messages per call; clients page with from_seq.
func (m *Messages) History(ctx context.Context, convID int64, caller store.UserID, fromSeq, toSeq int32) ([]*store.Message, error) {
	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, wrapStorage(err, "conversation")
	}
	if !conv.HasParticipant(caller) {
		return nil, errNotParticipant(caller, convID)
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq < 1 {
		toSeq = math.MaxInt32
	}
	if toSeq-fromSeq >= historyLimit {
		toSeq = fromSeq + historyLimit - 1
	}
	msgs, err := m.store.GetMessages(ctx, convID, fromSeq, toSeq)
	if err != nil {
		return nil, wrapStorage(err, "messages")
	}
	return msgs, nil
}

// List returns the caller's conversations with unread counts.
func (m *Messages) List(ctx context.Context, caller store.UserID) ([]*store.ConversationView, error) {
	views, err := m.store.ListConversations(ctx, caller)
	if err != nil {
		return nil, wrapStorage(err, "conversations")
	}
	return views, nil
}

func snippet(body, attachment string) string {
	if body == "" {
		return "[attachment]"
	}
	runes := []rune(body)
	if len(runes) <= snippetMaxRunes {
		return body
	}
	return string(runes[:snippetMaxRunes])
}
