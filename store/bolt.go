package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketConvs = []byte("convs") // conv id -> boltConv JSON
	bucketPairs = []byte("pairs") // pair key -> conv id
	bucketMsgs  = []byte("msgs")  // msgKey -> Message JSON, sorted by (conv, seq)
	bucketMsgIdx = []byte("msgidx") // msg id -> msgKey
	bucketSeen  = []byte("seen") // seenKey -> SeenReceipt JSON
)

// BoltStore is the embedded engine for single node deployments.
// bbolt serializes update transactions, which is exactly the write
// serialization the pair and sequence invariants ask for.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConvs, bucketPairs, bucketMsgs, bucketMsgIdx, bucketSeen} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// boltConv carries the per conversation sequence counter next to the
// conversation itself.
type boltConv struct {
	Conversation
	HeadSeq int32 `json:"head_seq"`
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// msgKey sorts messages by (conversation, seq) under a common prefix.
// Zero padding keeps lexicographic order equal to numeric order.
func msgKey(convID int64, seq int32) []byte {
	return []byte(fmt.Sprintf("%016d:%010d", convID, seq))
}

func msgPrefix(convID int64) []byte {
	return []byte(fmt.Sprintf("%016d:", convID))
}

func seenKey(msgID int64, uid UserID) []byte {
	return []byte(fmt.Sprintf("%016d:%d", msgID, uid))
}

func (s *BoltStore) getConv(tx *bbolt.Tx, id int64) (*boltConv, error) {
	raw := tx.Bucket(bucketConvs).Get(itob(id))
	if raw == nil {
		return nil, ErrNotFound
	}
	var c boltConv
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) putConv(tx *bbolt.Tx, c *boltConv) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConvs).Put(itob(c.ID), raw)
}

func (s *BoltStore) GetDirect(ctx context.Context, a, b UserID) (*Conversation, error) {
	var conv *Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketPairs).Get([]byte(PairKey(a, b)))
		if raw == nil {
			return ErrNotFound
		}
		c, err := s.getConv(tx, int64(binary.BigEndian.Uint64(raw)))
		if err != nil {
			return err
		}
		conv = &c.Conversation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BoltStore) InsertDirect(ctx context.Context, a, b UserID) (*Conversation, error) {
	var conv *Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		key := []byte(PairKey(a, b))
		if pairs.Get(key) != nil {
			return errDupKey
		}

		id, err := tx.Bucket(bucketConvs).NextSequence()
		if err != nil {
			return err
		}
		now := time.Now()
		c := &boltConv{Conversation: Conversation{
			ID:            int64(id),
			Participants:  []UserID{a, b},
			LastMessageAt: now,
			CreateTime:    now,
		}}
		if err := s.putConv(tx, c); err != nil {
			return err
		}
		if err := pairs.Put(key, itob(c.ID)); err != nil {
			return err
		}
		conv = &c.Conversation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BoltStore) InsertGroup(ctx context.Context, name string, members []UserID) (*Conversation, error) {
	var conv *Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		id, err := tx.Bucket(bucketConvs).NextSequence()
		if err != nil {
			return err
		}
		now := time.Now()
		c := &boltConv{Conversation: Conversation{
			ID:            int64(id),
			IsGroup:       true,
			Name:          name,
			Participants:  append([]UserID(nil), members...),
			LastMessageAt: now,
			CreateTime:    now,
		}}
		if err := s.putConv(tx, c); err != nil {
			return err
		}
		conv = &c.Conversation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BoltStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var conv *Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := s.getConv(tx, id)
		if err != nil {
			return err
		}
		conv = &c.Conversation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BoltStore) ListConversations(ctx context.Context, uid UserID) ([]*ConversationView, error) {
	var out []*ConversationView
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketConvs).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var c boltConv
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if !c.HasParticipant(uid) {
				continue
			}
			unread, err := s.countUnread(tx, c.ID, uid)
			if err != nil {
				return err
			}
			conv := c.Conversation
			out = append(out, &ConversationView{Conversation: &conv, Unread: unread})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *BoltStore) countUnread(tx *bbolt.Tx, convID int64, uid UserID) (int32, error) {
	var n int32
	seen := tx.Bucket(bucketSeen)
	cur := tx.Bucket(bucketMsgs).Cursor()
	prefix := msgPrefix(convID)
	for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return 0, err
		}
		if m.Sender == uid {
			continue
		}
		if seen.Get(seenKey(m.ID, uid)) == nil {
			n++
		}
	}
	return n, nil
}

func (s *BoltStore) AddParticipant(ctx context.Context, convID int64, uid UserID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c, err := s.getConv(tx, convID)
		if err != nil {
			return err
		}
		if c.HasParticipant(uid) {
			return nil
		}
		c.Participants = append(c.Participants, uid)
		return s.putConv(tx, c)
	})
}

func (s *BoltStore) AppendMessage(ctx context.Context, convID int64, sender UserID, body, attachment string) (*Message, error) {
	var msg *Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c, err := s.getConv(tx, convID)
		if err != nil {
			return err
		}

		msgs := tx.Bucket(bucketMsgs)
		id, err := msgs.NextSequence()
		if err != nil {
			return err
		}

		c.HeadSeq++
		now := time.Now()
		m := &Message{
			ID:             int64(id),
			ConversationID: convID,
			Seq:            c.HeadSeq,
			Sender:         sender,
			Body:           body,
			Attachment:     attachment,
			CreateTime:     now,
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		key := msgKey(convID, m.Seq)
		if err := msgs.Put(key, raw); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMsgIdx).Put(itob(m.ID), key); err != nil {
			return err
		}

		c.LastMessageAt = now
		if err := s.putConv(tx, c); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *BoltStore) getMessage(tx *bbolt.Tx, convID, msgID int64) (*Message, error) {
	key := tx.Bucket(bucketMsgIdx).Get(itob(msgID))
	if key == nil {
		return nil, ErrNotFound
	}
	raw := tx.Bucket(bucketMsgs).Get(key)
	if raw == nil {
		return nil, ErrNotFound
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.ConversationID != convID {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *BoltStore) GetMessage(ctx context.Context, convID, msgID int64) (*Message, error) {
	var msg *Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		m, err := s.getMessage(tx, convID, msgID)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *BoltStore) GetMessages(ctx context.Context, convID int64, fromSeq, toSeq int32) ([]*Message, error) {
	var out []*Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := msgPrefix(convID)
		cur := tx.Bucket(bucketMsgs).Cursor()
		for k, v := cur.Seek(msgKey(convID, fromSeq)); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Seq > toSeq {
				break
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MarkSeen(ctx context.Context, convID int64, uid UserID, upTo int64) (*MarkSeenResult, error) {
	out := &MarkSeenResult{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c, err := s.getConv(tx, convID)
		if err != nil {
			return err
		}
		upToMsg, err := s.getMessage(tx, convID, upTo)
		if err != nil {
			return err
		}

		seen := tx.Bucket(bucketSeen)
		now := time.Now()
		prefix := msgPrefix(convID)
		cur := tx.Bucket(bucketMsgs).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Seq > upToMsg.Seq {
				break
			}
			if m.Sender == uid || seen.Get(seenKey(m.ID, uid)) != nil {
				continue
			}

			r := &SeenReceipt{MessageID: m.ID, UserID: uid, SeenAt: now}
			raw, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := seen.Put(seenKey(m.ID, uid), raw); err != nil {
				return err
			}
			out.Receipts = append(out.Receipts, r)
			if boltFullySeen(seen, &c.Conversation, &m) {
				out.FullySeen = append(out.FullySeen, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func boltFullySeen(seen *bbolt.Bucket, conv *Conversation, m *Message) bool {
	for _, p := range conv.Participants {
		if p == m.Sender {
			continue
		}
		if seen.Get(seenKey(m.ID, p)) == nil {
			return false
		}
	}
	return true
}

func (s *BoltStore) SeenStates(ctx context.Context, convID int64, headSeq int32) (*SeenStates, error) {
	var seqs []int32
	var seen []bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := s.getConv(tx, convID)
		if err != nil {
			return err
		}
		seenBucket := tx.Bucket(bucketSeen)
		prefix := msgPrefix(convID)
		cur := tx.Bucket(bucketMsgs).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Seq > headSeq {
				break
			}
			seqs = append(seqs, m.Seq)
			seen = append(seen, boltFullySeen(seenBucket, &c.Conversation, &m))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return MakeSeenStates(seqs, seen), nil
}

func (s *BoltStore) IsDupKeyError(err error) bool {
	return err == errDupKey
}
