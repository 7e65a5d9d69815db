package chat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Chatwoot-Signature"

// Webhook event names, normalized to the underscore form.
const (
	EventConversationCreated       = "conversation_created"
	EventConversationUpdated       = "conversation_updated"
	EventConversationStatusChanged = "conversation_status_changed"
	EventConversationResolved      = "conversation_resolved"
	EventMessageCreated            = "message_created"
)

// Custom attribute names shared with the ERP mirror.
const (
	AttrERPRefKey        = "erp_ref_key"
	AttrCategoryKey      = "category_key"
	AttrLanguage         = "language"
	AttrConsultationType = "consultation_type"
)

// ErrInvalidSignature is returned when the body signature does not match.
var ErrInvalidSignature = errors.New("chat webhook: invalid signature")

// VerifySignature checks signature against the HMAC-SHA256 of body.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex signature for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ID accepts numeric or string identifiers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "null" {
		s = ""
	}
	*id = ID(s)
	return nil
}

// Timestamp accepts unix seconds or an RFC 3339 string.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(secs, 0).UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("chat timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Assignee is the agent a conversation is assigned to.
type Assignee struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Conversation is the conversation object carried by webhook events.
type Conversation struct {
	ID               ID               `json:"id"`
	Status           string           `json:"status"`
	CreatedAt        Timestamp        `json:"created_at"`
	Assignee         *Assignee        `json:"assignee"`
	Meta             ConversationMeta `json:"meta"`
	CustomAttributes map[string]any   `json:"custom_attributes"`
}

// ConversationMeta holds the sender and assignee summaries.
type ConversationMeta struct {
	Assignee *Assignee `json:"assignee"`
}

// Message is the message object carried by message events.
type Message struct {
	ID             ID     `json:"id"`
	ConversationID ID     `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    any    `json:"message_type"`
}

// Event is a decoded webhook delivery. Deliveries arrive either flat, with the
// conversation fields at the top level, or wrapped in a data envelope.
type Event struct {
	Name         string
	Conversation Conversation
	Message      *Message
}

type rawEvent struct {
	Event        string        `json:"event"`
	Data         *eventData    `json:"data"`
	Conversation *Conversation `json:"conversation"`
}

type eventData struct {
	Conversation *Conversation `json:"conversation"`
	Message      *Message      `json:"message"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("chat webhook: decode: %w", err)
	}
	event := Event{Name: strings.ReplaceAll(raw.Event, ".", "_")}
	if event.Name == "" {
		return Event{}, errors.New("chat webhook: missing event")
	}

	switch {
	case raw.Data != nil && raw.Data.Conversation != nil:
		event.Conversation = *raw.Data.Conversation
	case strings.HasPrefix(event.Name, "conversation_"):
		if err := json.Unmarshal(body, &event.Conversation); err != nil {
			return Event{}, fmt.Errorf("chat webhook: decode conversation: %w", err)
		}
	case raw.Conversation != nil:
		event.Conversation = *raw.Conversation
	}

	if event.Name == EventMessageCreated {
		msg := &Message{}
		if raw.Data != nil && raw.Data.Message != nil {
			msg = raw.Data.Message
		} else if err := json.Unmarshal(body, msg); err != nil {
			return Event{}, fmt.Errorf("chat webhook: decode message: %w", err)
		}
		if msg.ConversationID == "" {
			msg.ConversationID = event.Conversation.ID
		}
		if event.Conversation.ID == "" {
			event.Conversation.ID = msg.ConversationID
		}
		event.Message = msg
	}
	return event, nil
}

// AssigneeID returns the assigned Chat user id, if any.
func (c Conversation) AssigneeID() string {
	if c.Meta.Assignee != nil && c.Meta.Assignee.ID != "" {
		return string(c.Meta.Assignee.ID)
	}
	if c.Assignee != nil {
		return string(c.Assignee.ID)
	}
	return ""
}

// Attribute returns a custom attribute rendered as a string.
func (c Conversation) Attribute(name string) string {
	v, ok := c.CustomAttributes[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// NormalizeStatus maps a Chat conversation status onto a consultation status.
func NormalizeStatus(status string) (domain.ConsultationStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open":
		return domain.StatusOpen, true
	case "pending", "snoozed":
		return domain.StatusPending, true
	case "resolved":
		return domain.StatusResolved, true
	case "closed":
		return domain.StatusClosed, true
	}
	return "", false
}

// ToChatStatus maps a consultation status onto the Chat conversation status.
func ToChatStatus(status domain.ConsultationStatus) Status {
	switch status {
	case domain.StatusPending:
		return StatusPending
	case domain.StatusResolved, domain.StatusClosed, domain.StatusCancelled:
		return StatusResolved
	}
	return StatusOpen
}
