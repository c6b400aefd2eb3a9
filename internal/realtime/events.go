package realtime

import "chatcore/internal/domain"

// Gateway endpoints.
const (
	PathNewConversation = "/send-new-conversation"
	PathNewMessage      = "/send-new-message"
)

// ConversationEvent announces a newly created conversation.
type ConversationEvent struct {
	Receivers        []string    `json:"receivers"`
	ConversationID   string      `json:"conversation_id"`
	ConversationType domain.Kind `json:"conversation_type"`
	PendingCount     int         `json:"pending_count"`
}

// MessageEvent announces a new message; Sender carries display fields.
type MessageEvent struct {
	Receivers        []string        `json:"receivers"`
	ConversationID   string          `json:"conversation_id"`
	ConversationType domain.Kind     `json:"conversation_type"`
	PendingCount     int             `json:"pending_count"`
	Message          *domain.Message `json:"message"`
	Sender           *Sender         `json:"sender,omitempty"`
}

type Sender struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	Role        domain.Role `json:"role,omitempty"`
}
