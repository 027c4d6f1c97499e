package store

import (
	"context"
	"errors"
	"time"
)

// UserID identifies a user. Users are owned by the identity provider,
// the store only references them.
type UserID int32

// Conversation is a direct (two party) or group chat.
// Direct conversations are unique per unordered participant pair, the
// uniqueness is enforced with `PairKey`.
type Conversation struct {
	ID            int64     `json:"id"`
	IsGroup       bool      `json:"is_group,omitempty"`
	Name          string    `json:"name,omitempty"` // required for groups
	Participants  []UserID  `json:"participants"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreateTime    time.Time `json:"create_time"`
}

// HasParticipant reports whether uid is in the participant set.
func (c *Conversation) HasParticipant(uid UserID) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// Message is an immutable chat message. Seq is assigned by the store:
// strictly increasing and gapless per conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Seq            int32     `json:"seq"`
	Sender         UserID    `json:"sender"`
	Body           string    `json:"body,omitempty"`
	Attachment     string    `json:"attachment,omitempty"`
	CreateTime     time.Time `json:"create_time"`
}

// SeenReceipt records that a user has seen a message.
// At most one receipt exists per (message, user) pair.
type SeenReceipt struct {
	MessageID int64     `json:"message_id"`
	UserID    UserID    `json:"user_id"`
	SeenAt    time.Time `json:"seen_at"`
}

// MarkSeenResult is the outcome of MarkSeen.
// Receipts holds only the receipts created by this call; FullySeen holds
// the ids of messages that became fully seen because of those receipts.
type MarkSeenResult struct {
	Receipts  []*SeenReceipt `json:"receipts"`
	FullySeen []int64        `json:"fully_seen,omitempty"`
}

// ConversationView is a conversation plus per-caller derived state.
type ConversationView struct {
	*Conversation
	Unread int32 `json:"unread"`
}

// ErrNotFound is returned for lookups of absent conversations or messages.
var ErrNotFound = errors.New("not found")

// errDupKey is the duplicate key error of the memory and bolt engines.
// The mysql engine returns the driver error instead, so callers MUST go
// through IsDupKeyError.
var errDupKey = errors.New("duplicate key")

// IStore is the persistence boundary of the chat core. Engines must keep
// two invariants on their own: at most one non-group conversation exists
// per unordered participant pair, and message sequences are assigned
// strictly increasing and gapless per conversation even under concurrent
// appends.
type IStore interface {
	// GetDirect finds the direct conversation for the pair {a, b}.
	// Returns ErrNotFound when the pair never talked.
	GetDirect(ctx context.Context, a, b UserID) (*Conversation, error)

	// InsertDirect creates the direct conversation for {a, b}.
	// A concurrent or earlier insert of the same pair surfaces as a
	// duplicate key error, check with IsDupKeyError and retry GetDirect.
	InsertDirect(ctx context.Context, a, b UserID) (*Conversation, error)

	// InsertGroup creates a new group conversation. Groups are never
	// deduplicated.
	InsertGroup(ctx context.Context, name string, members []UserID) (*Conversation, error)

	// GetConversation loads one conversation with its participant set.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// ListConversations returns the conversations uid participates in,
	// newest activity first, with unread counts.
	ListConversations(ctx context.Context, uid UserID) ([]*ConversationView, error)

	// AddParticipant adds uid to a group conversation. Adding an existing
	// participant is a no-op.
	AddParticipant(ctx context.Context, convID int64, uid UserID) error

	// AppendMessage persists a message and assigns the next sequence for
	// the conversation, bumping its last activity time.
	AppendMessage(ctx context.Context, convID int64, sender UserID, body, attachment string) (*Message, error)

	// GetMessage loads one message of a conversation.
	GetMessage(ctx context.Context, convID, msgID int64) (*Message, error)

	// GetMessages returns messages with fromSeq <= seq <= toSeq,
	// ascending by seq.
	GetMessages(ctx context.Context, convID int64, fromSeq, toSeq int32) ([]*Message, error)

	// MarkSeen creates receipts by uid for every unseen message of the
	// conversation up to and including upTo, skipping uid's own messages.
	// Calling it again with the same upTo creates nothing.
	MarkSeen(ctx context.Context, convID int64, uid UserID, upTo int64) (*MarkSeenResult, error)

	// SeenStates reports, per message seq up to headSeq, whether the
	// message is fully seen. Compacted into bitmap blocks.
	SeenStates(ctx context.Context, convID int64, headSeq int32) (*SeenStates, error)

	IsDupKeyError(err error) bool
}
