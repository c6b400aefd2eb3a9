package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies which role-types take part in a conversation.
type Kind string

const (
	KindClientCreator   Kind = "client_creator"
	KindClientPM        Kind = "client_pm"
	KindPMCreator       Kind = "pm_creator"
	KindCreatorCreator  Kind = "creator_creator"
	KindExternalCreator Kind = "external_creator"
	KindGroup           Kind = "group"
)

// Role of an identity inside a conversation.
type Role string

const (
	RoleClient   Role = "client"
	RoleCreator  Role = "creator"
	RolePM       Role = "pm"
	RoleExternal Role = "external"
	RoleMember   Role = "member"
)

var pairRoles = map[Kind][2]Role{
	KindClientCreator:   {RoleClient, RoleCreator},
	KindClientPM:        {RoleClient, RolePM},
	KindPMCreator:       {RolePM, RoleCreator},
	KindCreatorCreator:  {RoleCreator, RoleCreator},
	KindExternalCreator: {RoleExternal, RoleCreator},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	if k == KindGroup {
		return true
	}
	_, ok := pairRoles[k]
	return ok
}

// IsGroup reports whether the kind is the multi-party project conversation.
func (k Kind) IsGroup() bool { return k == KindGroup }

// Roles returns the roles of u1 and u2 for a pairwise kind.
func (k Kind) Roles() (Role, Role) {
	r := pairRoles[k]
	return r[0], r[1]
}

// Status is the visibility of a conversation.
type Status string

const (
	StatusInit    Status = "INIT"
	StatusCreated Status = "CREATED"
)

// State is the kind-specific sub-state of a CREATED conversation.
type State string

const (
	StateNone     State = ""
	StateActive   State = "ACTIVE"
	StateInvite   State = "INVITE"
	StateWaiting  State = "WAITING"
	StateDeclined State = "DECLINED"
)

// ClassifiedState tracks engagement of a classified creator.
type ClassifiedState string

const (
	ClassifiedNone    ClassifiedState = ""
	ClassifiedPending ClassifiedState = "PENDING"
	ClassifiedEngaged ClassifiedState = "ENGAGED"
)

// Participant is one identity inside a conversation. Pairwise conversations
// always carry exactly two, at positions 0 (u1) and 1 (u2).
type Participant struct {
	UserID              string    `json:"user_id"`
	Role                Role      `json:"role"`
	Position            int       `json:"position"`
	IsAdmin             bool      `json:"is_admin"`
	IsIncludedInProject bool      `json:"is_included_in_project"`
	PendingCount        int       `json:"pending_count"`
	JoinedAt            time.Time `json:"joined_at"`
}

// Conversation is the aggregate mirrored into the cache. LastMessageID is a
// weak reference; the message itself is never embedded.
type Conversation struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	LookupKey       string          `json:"-"`
	ProjectRef      *string         `json:"project_ref,omitempty"`
	Status          Status          `json:"status"`
	State           State           `json:"state,omitempty"`
	Participants    []Participant   `json:"participants"`
	Classified      bool            `json:"classified"`
	ClassifiedState ClassifiedState `json:"classified_state,omitempty"`
	ClassifiedAt    *time.Time      `json:"classified_at,omitempty"`
	LastMessageID   *int64          `json:"last_message_id,omitempty"`
	LastMessageAt   *time.Time      `json:"last_message_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Phase folds status and state into the position used by the state machine.
func (c *Conversation) Phase() Phase {
	return PhaseOf(c.Status, c.State)
}

// Participant returns the participant entry for userID.
func (c *Conversation) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Conversation) IsParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// PendingCount returns the unread counter of userID, or 0 for non-participants.
func (c *Conversation) PendingCount(userID string) int {
	if p, ok := c.Participant(userID); ok {
		return p.PendingCount
	}
	return 0
}

func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Others returns every participant except userID, in position order.
func (c *Conversation) Others(userID string) []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// U1 returns the first pairwise identity.
func (c *Conversation) U1() string { return c.at(0) }

// U2 returns the second pairwise identity.
func (c *Conversation) U2() string { return c.at(1) }

func (c *Conversation) at(pos int) string {
	for _, p := range c.Participants {
		if p.Position == pos {
			return p.UserID
		}
	}
	return ""
}

// CacheKey is the key of the conversation aggregate in the fast-read store.
func (c *Conversation) CacheKey() string {
	if c.Kind.IsGroup() {
		return "chat:group:" + c.ID
	}
	return "chat:private:" + c.ID
}

// Key identifies a conversation for get-or-create: an unordered identity pair
// per kind, or a project reference for groups.
type Key struct {
	Kind       Kind
	U1         string
	U2         string
	ProjectRef string
}

// PairKey builds the key of a pairwise conversation; u1 and u2 carry the roles
// implied by kind.
func PairKey(kind Kind, u1, u2 string) Key {
	return Key{Kind: kind, U1: strings.TrimSpace(u1), U2: strings.TrimSpace(u2)}
}

// GroupKey builds the key of the group conversation of a project.
func GroupKey(projectRef string) Key {
	return Key{Kind: KindGroup, ProjectRef: strings.TrimSpace(projectRef)}
}

// Validate rejects self-conversations and malformed keys before any write.
func (k Key) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("unknown conversation kind %q: %w", k.Kind, ErrInvalidInput)
	}
	if k.Kind.IsGroup() {
		if k.ProjectRef == "" {
			return fmt.Errorf("group key without project ref: %w", ErrInvalidParticipants)
		}
		if k.U1 != "" || k.U2 != "" {
			return fmt.Errorf("group key with pairwise identities: %w", ErrInvalidParticipants)
		}
		return nil
	}
	if k.ProjectRef != "" {
		return fmt.Errorf("%s key with project ref: %w", k.Kind, ErrInvalidParticipants)
	}
	if k.U1 == "" || k.U2 == "" {
		return fmt.Errorf("%s key requires two identities: %w", k.Kind, ErrInvalidParticipants)
	}
	if k.U1 == k.U2 {
		return fmt.Errorf("self-conversation for %s: %w", k.U1, ErrInvalidParticipants)
	}
	return nil
}

// Lookup is the canonical unique key stored alongside the conversation. The
// pair is sorted, so (a,b) and (b,a) resolve to the same row.
func (k Key) Lookup() string {
	if k.Kind.IsGroup() {
		return "group:" + k.ProjectRef
	}
	ids := []string{k.U1, k.U2}
	sort.Strings(ids)
	return string(k.Kind) + ":" + ids[0] + "|" + ids[1]
}

// Profile carries the display fields attached to realtime message events.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Role        Role      `json:"role,omitempty"`
	Email       string    `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}
