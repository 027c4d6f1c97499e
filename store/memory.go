package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the reference in-memory engine. One lock guards everything:
// good enough for tests and single node development, the mysql and bolt
// engines are the ones meant for real deployments.
type MemStore struct {
	mu sync.RWMutex

	nextConvID int64
	nextMsgID  int64

	convs    map[int64]*Conversation
	pairs    map[string]int64            // PairKey -> direct conversation id
	messages map[int64][]*Message        // conversation id -> messages, seq order
	receipts map[int64]map[UserID]*SeenReceipt // message id -> uid -> receipt
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs:    make(map[int64]*Conversation),
		pairs:    make(map[string]int64),
		messages: make(map[int64][]*Message),
		receipts: make(map[int64]map[UserID]*SeenReceipt),
	}
}

func copyConv(c *Conversation) *Conversation {
	out := *c
	out.Participants = append([]UserID(nil), c.Participants...)
	return &out
}

func (s *MemStore) GetDirect(ctx context.Context, a, b UserID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[PairKey(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConv(s.convs[id]), nil
}

func (s *MemStore) InsertDirect(ctx context.Context, a, b UserID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := PairKey(a, b)
	if _, ok := s.pairs[key]; ok {
		return nil, errDupKey
	}

	now := time.Now()
	s.nextConvID++
	conv := &Conversation{
		ID:            s.nextConvID,
		Participants:  []UserID{a, b},
		LastMessageAt: now,
		CreateTime:    now,
	}
	s.convs[conv.ID] = conv
	s.pairs[key] = conv.ID
	return copyConv(conv), nil
}

func (s *MemStore) InsertGroup(ctx context.Context, name string, members []UserID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.nextConvID++
	conv := &Conversation{
		ID:            s.nextConvID,
		IsGroup:       true,
		Name:          name,
		Participants:  append([]UserID(nil), members...),
		LastMessageAt: now,
		CreateTime:    now,
	}
	s.convs[conv.ID] = conv
	return copyConv(conv), nil
}

func (s *MemStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConv(conv), nil
}

func (s *MemStore) ListConversations(ctx context.Context, uid UserID) ([]*ConversationView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ConversationView
	for _, conv := range s.convs {
		if !conv.HasParticipant(uid) {
			continue
		}
		out = append(out, &ConversationView{
			Conversation: copyConv(conv),
			Unread:       s.countUnreadLocked(conv.ID, uid),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *MemStore) countUnreadLocked(convID int64, uid UserID) int32 {
	var n int32
	for _, m := range s.messages[convID] {
		if m.Sender == uid {
			continue
		}
		if _, ok := s.receipts[m.ID][uid]; !ok {
			n++
		}
	}
	return n
}

func (s *MemStore) AddParticipant(ctx context.Context, convID int64, uid UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return ErrNotFound
	}
	if conv.HasParticipant(uid) {
		return nil
	}
	conv.Participants = append(conv.Participants, uid)
	return nil
}

func (s *MemStore) AppendMessage(ctx context.Context, convID int64, sender UserID, body, attachment string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	s.nextMsgID++
	msg := &Message{
		ID:             s.nextMsgID,
		ConversationID: convID,
		Seq:            int32(len(s.messages[convID])) + 1,
		Sender:         sender,
		Body:           body,
		Attachment:     attachment,
		CreateTime:     now,
	}
	s.messages[convID] = append(s.messages[convID], msg)
	conv.LastMessageAt = now

	out := *msg
	return &out, nil
}

func (s *MemStore) GetMessage(ctx context.Context, convID, msgID int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[convID] {
		if m.ID == msgID {
			out := *m
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) GetMessages(ctx context.Context, convID int64, fromSeq, toSeq int32) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages[convID] {
		if m.Seq >= fromSeq && m.Seq <= toSeq {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemStore) MarkSeen(ctx context.Context, convID int64, uid UserID, upTo int64) (*MarkSeenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return nil, ErrNotFound
	}

	var upToSeq int32 = -1
	for _, m := range s.messages[convID] {
		if m.ID == upTo {
			upToSeq = m.Seq
			break
		}
	}
	if upToSeq < 0 {
		return nil, ErrNotFound
	}

	now := time.Now()
	out := &MarkSeenResult{}
	for _, m := range s.messages[convID] {
		if m.Seq > upToSeq || m.Sender == uid {
			continue
		}
		byUser, ok := s.receipts[m.ID]
		if !ok {
			byUser = make(map[UserID]*SeenReceipt)
			s.receipts[m.ID] = byUser
		}
		if _, ok := byUser[uid]; ok {
			continue
		}
		r := &SeenReceipt{MessageID: m.ID, UserID: uid, SeenAt: now}
		byUser[uid] = r
		out.Receipts = append(out.Receipts, r)
		if fullySeenLocked(conv, m, byUser) {
			out.FullySeen = append(out.FullySeen, m.ID)
		}
	}
	return out, nil
}

// fullySeenLocked reports whether every current participant except the
// sender holds a receipt for m.
func fullySeenLocked(conv *Conversation, m *Message, byUser map[UserID]*SeenReceipt) bool {
	for _, p := range conv.Participants {
		if p == m.Sender {
			continue
		}
		if _, ok := byUser[p]; !ok {
			return false
		}
	}
	return true
}

func (s *MemStore) SeenStates(ctx context.Context, convID int64, headSeq int32) (*SeenStates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[convID]
	if !ok {
		return nil, ErrNotFound
	}

	var seqs []int32
	var seen []bool
	for _, m := range s.messages[convID] {
		if m.Seq > headSeq {
			break
		}
		seqs = append(seqs, m.Seq)
		seen = append(seen, fullySeenLocked(conv, m, s.receipts[m.ID]))
	}
	return MakeSeenStates(seqs, seen), nil
}

func (s *MemStore) IsDupKeyError(err error) bool {
	return err == errDupKey
}
