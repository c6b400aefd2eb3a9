package domain

import (
	"context"
	"time"
)

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	// Create inserts c and its participants. It returns ErrConflict when a
	// conversation with the same lookup key already exists.
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	GetByLookupKey(ctx context.Context, key string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	// ApplyTransition writes t if the stored status/state still match its
	// From fields, otherwise returns ErrConflict.
	ApplyTransition(ctx context.Context, t Transition) error
	// AddParticipants appends members to a group; existing members are kept.
	AddParticipants(ctx context.Context, conversationID string, ps []Participant) error
}

// Transition is a compare-and-swap of a conversation's status and state.
type Transition struct {
	ConversationID string
	FromStatus     Status
	FromState      State
	ToStatus       Status
	ToState        State

	// BriefStatus, when set, is written to the latest brief of the
	// conversation if its status is one of BriefFrom, in the same transaction.
	BriefStatus string
	BriefFrom   []string

	// Classification changes are monotonic: Classified only goes to true and
	// ClassifiedAt is only written while unset.
	Classified      bool
	ClassifiedState ClassifiedState
	ClassifiedAt    *time.Time

	At time.Time
}

// MessageRepository defines persistence operations for the timeline.
type MessageRepository interface {
	// Append inserts m, points the conversation's last message at it and
	// increments the pending counter of every recipient in one transaction.
	Append(ctx context.Context, m *MessageRecord, recipients []string) error
	GetByID(ctx context.Context, id int64) (*MessageRecord, error)
	List(ctx context.Context, q PageQuery) ([]*MessageRecord, error)
	LatestID(ctx context.Context, conversationID string) (int64, error)
	LatestByType(ctx context.Context, conversationID string, t MessageType) (*MessageRecord, error)
	// SetStatus changes a message's sub-state if it is still from.
	SetStatus(ctx context.Context, id int64, from, to string) error
}

// PageQuery selects messages strictly older (Older) or newer than Cursor.
// Cursor 0 with Older set starts at the newest message.
type PageQuery struct {
	ConversationID string
	Cursor         int64
	Older          bool
	Limit          int
}

// CounterLedger owns the per-participant pending counters.
type CounterLedger interface {
	// Increment adds one to a participant's counter with a single UPDATE.
	Increment(ctx context.Context, conversationID, userID string) error
	Reset(ctx context.Context, conversationID, userID string) error
	Get(ctx context.Context, conversationID, userID string) (int, error)
}

// ProfileRepository resolves display fields of identities.
type ProfileRepository interface {
	Upsert(ctx context.Context, p *Profile) error
	GetMany(ctx context.Context, userIDs []string) (map[string]*Profile, error)
}

// JobName names a time-deferred job tied to a conversation.
type JobName string

const (
	JobExpireInvite JobName = "expire_invite"
	JobExpireInit   JobName = "expire_init"
)

// Job is a scheduled side effect keyed by conversation.
type Job struct {
	Name           JobName
	ConversationID string
}

// Scheduler is the contract consumed from the job runner. Cancel is
// idempotent: cancelling a missing job is not an error.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, job Job) error
	Now(ctx context.Context, job Job) error
	Cancel(ctx context.Context, name JobName, conversationID string) error
}

// ConversationCache mirrors conversation aggregates into a fast-read store.
// Sync never blocks and never fails the caller.
type ConversationCache interface {
	Sync(c *Conversation)
}

// Fanout pushes realtime events. Calls are best-effort and return at once.
type Fanout interface {
	SendNewConversation(receivers []string, conversationID string, pendingCount int, kind Kind)
	SendNewMessage(receivers []string, conversationID string, pendingCount int, kind Kind, msg *Message)
}

// Notification is one request to the notification service.
type Notification struct {
	UseCase string             `json:"usecase"`
	Role    Role               `json:"role"`
	Email   *EmailNotification `json:"email,omitempty"`
	Web     *WebNotification   `json:"web,omitempty"`
}

type EmailNotification struct {
	To   string         `json:"to"`
	Data map[string]any `json:"data,omitempty"`
}

type WebNotification struct {
	For    string         `json:"for"`
	By     string         `json:"by,omitempty"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// Notifier hands notifications to the delivery service, best-effort.
type Notifier interface {
	Notify(n Notification)
}
