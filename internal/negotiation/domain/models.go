// Package domain contains the vendor quote negotiation aggregate: one
// vendor's price/terms offer cycle for an order, across counter-offer
// rounds, with an append-only status history.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	"gorm.io/datatypes"
)

// Status is the negotiation lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusSent            Status = "sent"
	StatusPendingResponse Status = "pending_response"
	StatusCountered       Status = "countered"
	StatusAccepted        Status = "accepted"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// transitions encodes the legal state machine. Terminal states map to nil.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusSent, StatusRejected, StatusExpired},
	StatusSent:            {StatusPendingResponse, StatusAccepted, StatusRejected, StatusCountered, StatusExpired},
	StatusPendingResponse: {StatusAccepted, StatusRejected, StatusCountered, StatusExpired},
	StatusCountered:       {StatusPendingResponse, StatusAccepted, StatusRejected, StatusExpired},
	StatusAccepted:        nil,
	StatusRejected:        nil,
	StatusExpired:         nil,
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// ResponseType is a vendor or admin reaction to the standing offer.
type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseReject  ResponseType = "reject"
	ResponseCounter ResponseType = "counter"
)

func (r ResponseType) TargetStatus() (Status, bool) {
	switch r {
	case ResponseAccept:
		return StatusAccepted, true
	case ResponseReject:
		return StatusRejected, true
	case ResponseCounter:
		return StatusCountered, true
	}
	return "", false
}

// Quote is the negotiation aggregate root.
type Quote struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       snowflake.ID      `gorm:"not null;index"`
	OrderID        snowflake.ID      `gorm:"not null;index:ix_quotes_order_vendor"`
	VendorID       snowflake.ID      `gorm:"not null;index:ix_quotes_order_vendor"`
	ProductID      snowflake.ID      `gorm:"not null"`
	Quantity       int64             `gorm:"not null"`
	Specifications datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	Notes          string            `gorm:"type:text"`
	Status         Status            `gorm:"type:text;not null;default:'draft'"`
	Round          int               `gorm:"not null;default:1"`
	InitialOffer   int64             `gorm:"not null;default:0"`
	LatestOffer    int64             `gorm:"not null;default:0"`
	Currency       string            `gorm:"type:text;not null"`
	ResponseType   ResponseType      `gorm:"type:text"`
	ResponseNotes  string            `gorm:"type:text"`
	SentAt         *time.Time        `gorm:""`
	RespondedAt    *time.Time        `gorm:""`
	ExpiresAt      *time.Time        `gorm:""`
	ClosedAt       *time.Time        `gorm:""`
	CreatedAt      time.Time         `gorm:"not null"`
	UpdatedAt      time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Quote) TableName() string { return "quotes" }

func (q *Quote) IsExpired(now time.Time) bool {
	return q.ExpiresAt != nil && now.After(*q.ExpiresAt)
}

// Attachment is one file reference on a quote message.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

// Attachments stores a typed attachment list as a JSON column.
type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (a *Attachments) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	}
	return fmt.Errorf("unsupported attachments type %T", value)
}

// Message is one entry in a quote's conversation thread. Append-only;
// only ReadAt is ever updated after insert.
type Message struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index"`
	QuoteID     snowflake.ID `gorm:"not null;index"`
	SenderType  string       `gorm:"type:text;not null"`
	SenderID    snowflake.ID `gorm:"not null"`
	Body        string       `gorm:"type:text;not null"`
	Attachments Attachments  `gorm:"type:jsonb;not null;default:'[]'"`
	ReadAt      *time.Time   `gorm:""`
	CreatedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Message) TableName() string { return "quote_messages" }

var (
	ErrInvalidTransition  = errors.New("invalid_state_transition")
	ErrNegotiationExpired = errors.New("negotiation_expired")
	ErrDuplicateQuote     = errors.New("duplicate_active_quote")
	ErrMaxRoundsExceeded  = errors.New("max_rounds_exceeded")
	ErrCounterNeedsAmount = errors.New("counter_offer_requires_amount")
	ErrUnauthorized       = errors.New("unauthorized_actor")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidArgument    = errors.New("invalid_argument")
)

// TransitionErr wraps sentinel with the aggregate's current state so
// callers can explain rejections without re-deriving the rules.
func TransitionErr(sentinel error, current Status) error {
	return fmt.Errorf("%w: current_status=%s", sentinel, current)
}

// Replay folds an ordered history into (status, round). Round starts at 1
// and increments on every transition into countered, mirroring the write
// path, so replaying the full history reconstructs the aggregate state.
func Replay(entries []historydomain.Transition) (Status, int) {
	status := StatusDraft
	round := 1
	for _, e := range entries {
		status = Status(e.ToStatus)
		if status == StatusCountered {
			round++
		}
	}
	return status, round
}
