package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	getDirectSQL    = "SELECT id FROM conversations WHERE pair_key=?"
	insertDirectSQL = "INSERT INTO conversations (is_group,name,pair_key,head_seq,last_message_at,create_time) VALUES (0,'',?,0,?,?)"
	insertGroupSQL  = "INSERT INTO conversations (is_group,name,pair_key,head_seq,last_message_at,create_time) VALUES (1,?,NULL,0,?,?)"
	getConvSQL      = "SELECT id,is_group,name,last_message_at,create_time FROM conversations WHERE id=?"
	listConvsSQL    = "SELECT c.id,c.is_group,c.name,c.last_message_at,c.create_time " +
		"FROM conversations AS c, conversation_participants AS p " +
		"WHERE p.uid = ? AND p.conversation_id = c.id " +
		"ORDER BY c.last_message_at DESC"
	getParticipantsSQL   = "SELECT uid FROM conversation_participants WHERE conversation_id=? ORDER BY uid"
	insertParticipantSQL = "INSERT INTO conversation_participants (conversation_id,uid) VALUES (?,?)"

	lockHeadSeqSQL   = "SELECT head_seq FROM conversations WHERE id=? FOR UPDATE"
	bumpHeadSeqSQL   = "UPDATE conversations SET head_seq=?, last_message_at=? WHERE id=?"
	insertMessageSQL = "INSERT INTO messages (conversation_id,seq,sender,body,attachment,create_time) VALUES (?,?,?,?,?,?)"
	getMessageSQL    = "SELECT id,seq,sender,body,attachment,create_time FROM messages WHERE conversation_id=? AND id=?"
	getMessagesSQL   = "SELECT id,seq,sender,body,attachment,create_time FROM messages " +
		"WHERE conversation_id=? AND seq>=? AND seq<=? ORDER BY seq"

	countUnreadSQL = "SELECT COUNT(*) FROM messages AS m " +
		"LEFT JOIN seen_receipts AS r ON r.message_id = m.id AND r.uid = ? " +
		"WHERE m.conversation_id = ? AND m.sender <> ? AND r.uid IS NULL"
	unseenUpToSQL = "SELECT m.id, m.sender FROM messages AS m " +
		"LEFT JOIN seen_receipts AS r ON r.message_id = m.id AND r.uid = ? " +
		"WHERE m.conversation_id = ? AND m.seq <= ? AND m.sender <> ? AND r.uid IS NULL " +
		"ORDER BY m.seq"
	insertReceiptSQL = "INSERT INTO seen_receipts (message_id,uid,seen_at) VALUES (?,?,?)"
	missingSeenSQL   = "SELECT COUNT(*) FROM conversation_participants AS p " +
		"LEFT JOIN seen_receipts AS r ON r.message_id = ? AND r.uid = p.uid " +
		"WHERE p.conversation_id = ? AND p.uid <> ? AND r.uid IS NULL"
	seenStatesSQL = "SELECT m.id, m.seq, m.sender, " +
		"(SELECT COUNT(*) FROM conversation_participants AS p " +
		" LEFT JOIN seen_receipts AS r ON r.message_id = m.id AND r.uid = p.uid " +
		" WHERE p.conversation_id = m.conversation_id AND p.uid <> m.sender AND r.uid IS NULL) " +
		"FROM messages AS m WHERE m.conversation_id=? AND m.seq<=? ORDER BY m.seq"
)

// SQLStore is the mysql engine. The direct pair invariant rides on the
// unique key of conversations.pair_key; the sequence invariant on a
// SELECT ... FOR UPDATE of the per conversation head_seq.
type SQLStore struct {
	*sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db}
}

func (s *SQLStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func (s *SQLStore) GetDirect(ctx context.Context, a, b UserID) (*Conversation, error) {
	var id int64
	row := s.QueryRowContext(ctx, getDirectSQL, PairKey(a, b))
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLStore) InsertDirect(ctx context.Context, a, b UserID) (*Conversation, error) {
	var conv *Conversation
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, insertDirectSQL, PairKey(a, b), now, now)
		if err != nil {
			// Duplicate pair_key: the pair already talked, caller retries
			// the lookup.
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, uid := range []UserID{a, b} {
			if _, err := tx.ExecContext(ctx, insertParticipantSQL, id, uid); err != nil {
				return err
			}
		}
		conv = &Conversation{
			ID:            id,
			Participants:  []UserID{a, b},
			LastMessageAt: now,
			CreateTime:    now,
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) InsertGroup(ctx context.Context, name string, members []UserID) (*Conversation, error) {
	var conv *Conversation
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, insertGroupSQL, name, now, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, uid := range members {
			if _, err := tx.ExecContext(ctx, insertParticipantSQL, id, uid); err != nil {
				return err
			}
		}
		conv = &Conversation{
			ID:            id,
			IsGroup:       true,
			Name:          name,
			Participants:  append([]UserID(nil), members...),
			LastMessageAt: now,
			CreateTime:    now,
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) getParticipants(ctx context.Context, convID int64) ([]UserID, error) {
	rows, err := s.QueryContext(ctx, getParticipantsSQL, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserID
	for rows.Next() {
		var uid UserID
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	row := s.QueryRowContext(ctx, getConvSQL, id)
	if err := row.Scan(&c.ID, &c.IsGroup, &c.Name, &c.LastMessageAt, &c.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parts, err := s.getParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Participants = parts
	return &c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, uid UserID) ([]*ConversationView, error) {
	rows, err := s.QueryContext(ctx, listConvsSQL, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConversationView
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.Name, &c.LastMessageAt, &c.CreateTime); err != nil {
			return nil, err
		}
		out = append(out, &ConversationView{Conversation: &c})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, v := range out {
		if v.Participants, err = s.getParticipants(ctx, v.ID); err != nil {
			return nil, err
		}
		row := s.QueryRowContext(ctx, countUnreadSQL, uid, v.ID, uid)
		if err := row.Scan(&v.Unread); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) AddParticipant(ctx context.Context, convID int64, uid UserID) error {
	if _, err := s.GetConversation(ctx, convID); err != nil {
		return err
	}
	if _, err := s.ExecContext(ctx, insertParticipantSQL, convID, uid); err != nil {
		if s.IsDupKeyError(err) {
			return nil // already a participant
		}
		return err
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, convID int64, sender UserID, body, attachment string) (*Message, error) {
	var msg *Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var seq int32
		row := tx.QueryRowContext(ctx, lockHeadSeqSQL, convID)
		if err := row.Scan(&seq); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			glog.Errorf("lock head seq scan err: %v", err)
			return err
		}
		seq++

		now := time.Now()
		if _, err := tx.ExecContext(ctx, bumpHeadSeqSQL, seq, now, convID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, insertMessageSQL, convID, seq, sender, body, attachment, now)
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg = &Message{
			ID:             id,
			ConversationID: convID,
			Seq:            seq,
			Sender:         sender,
			Body:           body,
			Attachment:     attachment,
			CreateTime:     now,
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, convID, msgID int64) (*Message, error) {
	var m Message
	m.ConversationID = convID
	row := s.QueryRowContext(ctx, getMessageSQL, convID, msgID)
	if err := row.Scan(&m.ID, &m.Seq, &m.Sender, &m.Body, &m.Attachment, &m.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) GetMessages(ctx context.Context, convID int64, fromSeq, toSeq int32) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, getMessagesSQL, convID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		m.ConversationID = convID
		if err := rows.Scan(&m.ID, &m.Seq, &m.Sender, &m.Body, &m.Attachment, &m.CreateTime); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkSeen(ctx context.Context, convID int64, uid UserID, upTo int64) (*MarkSeenResult, error) {
	out := &MarkSeenResult{}
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		upToMsg, err := s.getMessageTx(ctx, tx, convID, upTo)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, unseenUpToSQL, uid, convID, upToMsg.Seq, uid)
		if err != nil {
			return err
		}
		type unseenMsg struct {
			id     int64
			sender UserID
		}
		var unseen []unseenMsg
		for rows.Next() {
			var m unseenMsg
			if err := rows.Scan(&m.id, &m.sender); err != nil {
				rows.Close()
				return err
			}
			unseen = append(unseen, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now()
		for _, m := range unseen {
			if _, err := tx.ExecContext(ctx, insertReceiptSQL, m.id, uid, now); err != nil {
				return err
			}
			out.Receipts = append(out.Receipts, &SeenReceipt{MessageID: m.id, UserID: uid, SeenAt: now})

			// Fully seen when no participant other than the sender is
			// still missing a receipt.
			var missing int32
			row := tx.QueryRowContext(ctx, missingSeenSQL, m.id, convID, m.sender)
			if err := row.Scan(&missing); err != nil {
				return err
			}
			if missing == 0 {
				out.FullySeen = append(out.FullySeen, m.id)
			}
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) getMessageTx(ctx context.Context, tx *sql.Tx, convID, msgID int64) (*Message, error) {
	var m Message
	m.ConversationID = convID
	row := tx.QueryRowContext(ctx, getMessageSQL, convID, msgID)
	if err := row.Scan(&m.ID, &m.Seq, &m.Sender, &m.Body, &m.Attachment, &m.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) SeenStates(ctx context.Context, convID int64, headSeq int32) (*SeenStates, error) {
	rows, err := s.QueryContext(ctx, seenStatesSQL, convID, headSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int32
	var seen []bool
	for rows.Next() {
		var id int64
		var seq int32
		var sender UserID
		var missing int32
		if err := rows.Scan(&id, &seq, &sender, &missing); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
		seen = append(seen, missing == 0)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return MakeSeenStates(seqs, seen), nil
}
