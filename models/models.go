package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes the two item variants sharing one table shape
type Kind string

const (
	// KindAd is a seller's ad
	KindAd Kind = "ad"
	// KindRequest is a buyer's request
	KindRequest Kind = "request"
)

// Status represents the lifecycle status of an item
type Status string

const (
	// StatusActive indicates a published item that has not expired yet
	StatusActive Status = "active"
	// StatusPendingResponse indicates an expired item waiting for its owner
	StatusPendingResponse Status = "pending_response"
	// StatusArchived indicates an ad closed without a price, or an archived request
	StatusArchived Status = "archived"
	// StatusDeleted indicates a soft-deleted item
	StatusDeleted Status = "deleted"
	// StatusCompleted indicates an ad closed with a final price
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transition may leave s
func (s Status) Terminal() bool {
	switch s {
	case StatusArchived, StatusDeleted, StatusCompleted:
		return true
	}
	return false
}

// Item represents an ad or a request
type Item struct {
	ID           int64
	UniqueID     string
	Kind         Kind
	OwnerID      int64
	Title        string
	Status       Status
	CreatedAt    time.Time // zero when CreatedAtRaw could not be parsed
	CreatedAtRaw string
	ArchivedAt   *time.Time
	CompletedAt  *time.Time
	FinalPrice   decimal.NullDecimal
	MessageRefs  []string // channel post ids, empty once retracted
}

// JoinRefs encodes channel post ids the way they are persisted
func JoinRefs(refs []string) string {
	return strings.Join(refs, ",")
}

// SplitRefs decodes a persisted channel_message_id value
func SplitRefs(raw string) []string {
	var refs []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// User is a registered bot user
type User struct {
	ID       int64
	Username string
	Language string
}
