package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType discriminates the closed set of message variants.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageFile         MessageType = "file"
	MessageProposal     MessageType = "proposal"
	MessageInvoice      MessageType = "invoice"
	MessageBrief        MessageType = "brief"
	MessageFormResponse MessageType = "form_response"
	MessageExtRequest   MessageType = "ext_request"
	MessageGroupInvoice MessageType = "group_invoice"
	MessageInfoText     MessageType = "info_text"
)

// Brief sub-states written by conversation transitions.
const (
	BriefSent             = "SENT"
	BriefProposalAccepted = "PROPOSAL_ACCEPTED"
	BriefDeclined         = "DECLINED"
)

// Payload is implemented by every message variant.
type Payload interface {
	Type() MessageType
	Validate() error
	payload()
}

// Message is one entry of a conversation timeline. Payload never changes after
// append; Status is the variant's own mutable sub-state.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id,omitempty"`
	Type           MessageType `json:"type"`
	Payload        Payload     `json:"payload"`
	Status         string      `json:"status,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// UnmarshalJSON decodes the payload according to the type tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID             int64           `json:"id"`
		ConversationID string          `json:"conversation_id"`
		SenderID       string          `json:"sender_id"`
		Type           MessageType     `json:"type"`
		Payload        json.RawMessage `json:"payload"`
		Status         string          `json:"status"`
		CreatedAt      time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		SenderID:       raw.SenderID,
		Type:           raw.Type,
		Payload:        p,
		Status:         raw.Status,
		CreatedAt:      raw.CreatedAt,
	}
	return nil
}

// MessageRecord is the stored form of a message; Payload holds the sealed
// (encrypted) payload JSON.
type MessageRecord struct {
	ID             int64
	ConversationID string
	SenderID       string
	Type           MessageType
	Payload        string
	Status         string
	CreatedAt      time.Time
}

type TextPayload struct {
	Body string `json:"body"`
}

type FileRef struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type FilePayload struct {
	Files   []FileRef `json:"files"`
	Caption string    `json:"caption,omitempty"`
}

type ProposalPayload struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	DeliveryDays int    `json:"delivery_days,omitempty"`
}

type InvoicePayload struct {
	InvoiceID string     `json:"invoice_id"`
	Number    string     `json:"number"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}

// BriefPayload is the structured invite a client sends to a creator.
type BriefPayload struct {
	BriefID     string     `json:"brief_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Budget      int64      `json:"budget,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

type FormResponsePayload struct {
	FormID  string            `json:"form_id"`
	Answers map[string]string `json:"answers"`
}

// ExtRequestPayload is a request from an off-platform contact.
type ExtRequestPayload struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Body    string `json:"body"`
}

type InvoiceLine struct {
	CreatorID string `json:"creator_id"`
	Amount    int64  `json:"amount"`
}

type GroupInvoicePayload struct {
	InvoiceID string        `json:"invoice_id"`
	Number    string        `json:"number"`
	Currency  string        `json:"currency"`
	Lines     []InvoiceLine `json:"lines"`
}

// InfoTextPayload is a system notice inside the timeline.
type InfoTextPayload struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

func (TextPayload) Type() MessageType         { return MessageText }
func (FilePayload) Type() MessageType         { return MessageFile }
func (ProposalPayload) Type() MessageType     { return MessageProposal }
func (InvoicePayload) Type() MessageType      { return MessageInvoice }
func (BriefPayload) Type() MessageType        { return MessageBrief }
func (FormResponsePayload) Type() MessageType { return MessageFormResponse }
func (ExtRequestPayload) Type() MessageType   { return MessageExtRequest }
func (GroupInvoicePayload) Type() MessageType { return MessageGroupInvoice }
func (InfoTextPayload) Type() MessageType     { return MessageInfoText }

func (TextPayload) payload()         {}
func (FilePayload) payload()         {}
func (ProposalPayload) payload()     {}
func (InvoicePayload) payload()      {}
func (BriefPayload) payload()        {}
func (FormResponsePayload) payload() {}
func (ExtRequestPayload) payload()   {}
func (GroupInvoicePayload) payload() {}
func (InfoTextPayload) payload()     {}

const maxTextLength = 5000

func (p TextPayload) Validate() error {
	body := strings.TrimSpace(p.Body)
	if body == "" {
		return invalid("text body is empty")
	}
	if len([]rune(body)) > maxTextLength {
		return invalid("text body exceeds %d characters", maxTextLength)
	}
	return nil
}

func (p FilePayload) Validate() error {
	if len(p.Files) == 0 {
		return invalid("file message without files")
	}
	for _, f := range p.Files {
		if f.Name == "" || f.URL == "" {
			return invalid("file requires name and url")
		}
	}
	return nil
}

func (p ProposalPayload) Validate() error {
	if p.Title == "" {
		return invalid("proposal title is empty")
	}
	return validAmount(p.Amount, p.Currency)
}

func (p InvoicePayload) Validate() error {
	if p.InvoiceID == "" || p.Number == "" {
		return invalid("invoice requires id and number")
	}
	return validAmount(p.Amount, p.Currency)
}

func (p BriefPayload) Validate() error {
	if p.BriefID == "" || p.Title == "" {
		return invalid("brief requires id and title")
	}
	if p.Budget < 0 {
		return invalid("brief budget is negative")
	}
	return nil
}

func (p FormResponsePayload) Validate() error {
	if p.FormID == "" {
		return invalid("form response without form id")
	}
	return nil
}

func (p ExtRequestPayload) Validate() error {
	if p.Email == "" || !strings.Contains(p.Email, "@") {
		return invalid("external request requires a contact email")
	}
	if strings.TrimSpace(p.Body) == "" {
		return invalid("external request body is empty")
	}
	return nil
}

func (p GroupInvoicePayload) Validate() error {
	if p.InvoiceID == "" || p.Number == "" {
		return invalid("group invoice requires id and number")
	}
	if len(p.Lines) == 0 {
		return invalid("group invoice without lines")
	}
	for _, l := range p.Lines {
		if l.CreatorID == "" {
			return invalid("group invoice line without creator")
		}
		if err := validAmount(l.Amount, p.Currency); err != nil {
			return err
		}
	}
	return nil
}

func (p InfoTextPayload) Validate() error {
	if p.Code == "" && p.Text == "" {
		return invalid("info text is empty")
	}
	return nil
}

func validAmount(amount int64, currency string) error {
	if amount <= 0 {
		return invalid("amount must be positive")
	}
	if len(currency) != 3 {
		return invalid("currency must be an ISO 4217 code")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}

// DecodePayload turns raw JSON into the variant named by t.
func DecodePayload(t MessageType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case MessageText:
		p, err = decodeAs[TextPayload](raw)
	case MessageFile:
		p, err = decodeAs[FilePayload](raw)
	case MessageProposal:
		p, err = decodeAs[ProposalPayload](raw)
	case MessageInvoice:
		p, err = decodeAs[InvoicePayload](raw)
	case MessageBrief:
		p, err = decodeAs[BriefPayload](raw)
	case MessageFormResponse:
		p, err = decodeAs[FormResponsePayload](raw)
	case MessageExtRequest:
		p, err = decodeAs[ExtRequestPayload](raw)
	case MessageGroupInvoice:
		p, err = decodeAs[GroupInvoicePayload](raw)
	case MessageInfoText:
		p, err = decodeAs[InfoTextPayload](raw)
	default:
		return nil, fmt.Errorf("unknown message type %q: %w", t, ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %v: %w", t, err, ErrInvalidInput)
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// statusEdge is a permitted change of a variant's mutable sub-state and who
// may perform it.
type statusEdge struct {
	to     string
	sender bool // true: only the sender; false: only a recipient
}

type variantRules struct {
	initial string
	edges   map[string][]statusEdge
}

var variants = map[MessageType]variantRules{
	MessageText: {},
	MessageFile: {},
	MessageProposal: {
		initial: "PENDING",
		edges: map[string][]statusEdge{
			"PENDING": {{to: "ACCEPTED"}, {to: "DECLINED"}, {to: "WITHDRAWN", sender: true}},
		},
	},
	MessageInvoice: {
		initial: "UNPAID",
		edges: map[string][]statusEdge{
			"UNPAID": {{to: "PAID"}, {to: "VOID", sender: true}},
		},
	},
	// Brief status is written by conversation transitions only.
	MessageBrief: {initial: BriefSent},
	MessageFormResponse: {
		initial: "PENDING",
		edges: map[string][]statusEdge{
			"PENDING": {{to: "SUBMITTED"}},
		},
	},
	MessageExtRequest: {},
	MessageGroupInvoice: {
		initial: "UNPAID",
		edges: map[string][]statusEdge{
			"UNPAID": {{to: "PAID"}, {to: "VOID", sender: true}},
		},
	},
	MessageInfoText: {},
}

// Valid reports whether t is part of the closed variant set.
func (t MessageType) Valid() bool {
	_, ok := variants[t]
	return ok
}

// InitialStatus is the mutable sub-state a freshly appended message starts in.
func InitialStatus(t MessageType) string {
	return variants[t].initial
}

// CheckStatusChange validates a variant sub-state change made by a caller
// who is (or is not) the message sender.
func CheckStatusChange(t MessageType, from, to string, bySender bool) error {
	for _, e := range variants[t].edges[from] {
		if e.to != to {
			continue
		}
		if e.sender != bySender {
			return fmt.Errorf("%s %s -> %s not allowed for this participant: %w", t, from, to, ErrForbidden)
		}
		return nil
	}
	return fmt.Errorf("%s status %s -> %s: %w", t, from, to, ErrInvalidInput)
}
