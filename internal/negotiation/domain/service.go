package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	historydomain "github.com/canvastack/stencil/internal/history/domain"
	"gorm.io/datatypes"
)

type CreateQuoteRequest struct {
	OrderID        snowflake.ID
	VendorID       snowflake.ID
	ProductID      snowflake.ID
	Quantity       int64
	Specifications datatypes.JSONMap
	Notes          string
	InitialOffer   int64
	Currency       string
	ExpiresAt      *time.Time
}

type SendQuoteRequest struct {
	QuoteID   snowflake.ID
	Offer     int64
	ExpiresAt *time.Time
}

type RespondRequest struct {
	QuoteID  snowflake.ID
	Response ResponseType
	Amount   int64
	Notes    string
}

type PostMessageRequest struct {
	QuoteID     snowflake.ID
	Body        string
	Attachments Attachments
}

type Service interface {
	Create(ctx context.Context, req CreateQuoteRequest) (Quote, error)
	Send(ctx context.Context, req SendQuoteRequest) (Quote, error)
	Respond(ctx context.Context, req RespondRequest) (Quote, error)

	// Reoffer returns a countered negotiation to the vendor for the next
	// round (countered -> pending_response) and re-arms the expiry. The
	// offer of record only changes on vendor counter or accept.
	Reoffer(ctx context.Context, quoteID snowflake.ID, notes string) (Quote, error)

	// Cancel withdraws a live negotiation. Recorded as a transition to
	// rejected with reason cancelled_by_admin; the audit trail keeps the
	// distinction, the status enum does not.
	Cancel(ctx context.Context, quoteID snowflake.ID, reason string) (Quote, error)

	// Expire is idempotent: it no-ops (without new history) when the
	// quote is already terminal or not yet past its deadline.
	Expire(ctx context.Context, quoteID snowflake.ID, now time.Time) (Quote, error)

	ExtendExpiry(ctx context.Context, quoteID snowflake.ID, newExpiry time.Time) (Quote, error)

	Get(ctx context.Context, quoteID snowflake.ID) (Quote, error)
	History(ctx context.Context, quoteID snowflake.ID) ([]historydomain.Transition, error)

	PostMessage(ctx context.Context, req PostMessageRequest) (Message, error)
	ListMessages(ctx context.Context, quoteID snowflake.ID) ([]Message, error)
	MarkMessageRead(ctx context.Context, messageID snowflake.ID) error
}
