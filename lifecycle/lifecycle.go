// Package lifecycle decides how ads and requests move through their
// statuses. It performs no I/O: callers persist the returned Transition and
// carry out its effects.
package lifecycle

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/agromarket-bot/models"
)

const (
	// ExpiryAge is how long an active item stays published
	ExpiryAge = 48 * time.Hour
	// RequestDeleteAge is the total age at which a pending request is deleted
	RequestDeleteAge = 96 * time.Hour
)

var (
	// ErrMissingTimestamp marks an item whose created_at could not be read
	ErrMissingTimestamp = errors.New("item has no usable created_at")
	// ErrTerminal is returned when an owner acts on a closed item
	ErrTerminal = errors.New("item is already closed")
	// ErrInvalidAction is returned when the action does not apply to the item kind
	ErrInvalidAction = errors.New("action not allowed for this item")
	// ErrInvalidPrice is returned for a non-positive final price
	ErrInvalidPrice = errors.New("final price must be a positive number")
)

// Effect is a side effect the caller performs after persisting a transition
type Effect int

const (
	// EffectNotify sends the owner a status message
	EffectNotify Effect = 1 << iota
	// EffectPromptPrice opens the completion dialog with the owner
	EffectPromptPrice
	// EffectRetract removes the published announcement
	EffectRetract
)

// Action is an owner-driven closing action
type Action string

const (
	ActionFinalPrice Action = "final_price"
	ActionCancel     Action = "cancel"
	ActionDelete     Action = "delete"
)

// Transition describes a single status change and what must follow it
type Transition struct {
	From        models.Status
	To          models.Status
	Effects     Effect
	ArchivedAt  *time.Time
	CompletedAt *time.Time
	FinalPrice  decimal.NullDecimal
	// DeleteIn is how long an expiring request has before deletion
	DeleteIn time.Duration
}

// Has reports whether e is part of the transition's effects
func (t *Transition) Has(e Effect) bool {
	return t.Effects&e != 0
}

// Rules holds the age thresholds
type Rules struct {
	ExpiryAge        time.Duration
	RequestDeleteAge time.Duration
	// MinNotice is the shortest deletion notice announced to a request
	// owner, normally one poll interval: an overdue request is only deleted
	// on the next pass.
	MinNotice time.Duration
}

// DefaultRules uses the production thresholds
var DefaultRules = Rules{ExpiryAge: ExpiryAge, RequestDeleteAge: RequestDeleteAge}

// Decide applies DefaultRules
func Decide(it models.Item, now time.Time) (*Transition, error) {
	return DefaultRules.Decide(it, now)
}

// Decide returns the automatic transition due for it at now, or nil when
// nothing is due. Pending ads only move through Close.
func (r Rules) Decide(it models.Item, now time.Time) (*Transition, error) {
	if it.Status.Terminal() {
		return nil, nil
	}
	if it.CreatedAt.IsZero() {
		return nil, ErrMissingTimestamp
	}
	age := now.Sub(it.CreatedAt)

	switch {
	case it.Status == models.StatusActive && it.Kind == models.KindAd:
		if age >= r.ExpiryAge && !it.FinalPrice.Valid {
			return &Transition{
				From:    it.Status,
				To:      models.StatusPendingResponse,
				Effects: EffectNotify | EffectPromptPrice,
			}, nil
		}
	case it.Status == models.StatusActive && it.Kind == models.KindRequest:
		if age >= r.ExpiryAge {
			return &Transition{
				From:     it.Status,
				To:       models.StatusPendingResponse,
				Effects:  EffectNotify,
				DeleteIn: r.deleteIn(age),
			}, nil
		}
	case it.Status == models.StatusPendingResponse && it.Kind == models.KindRequest:
		if age >= r.RequestDeleteAge {
			return &Transition{
				From:    it.Status,
				To:      models.StatusDeleted,
				Effects: EffectNotify | EffectRetract,
			}, nil
		}
	}
	return nil, nil
}

func (r Rules) deleteIn(age time.Duration) time.Duration {
	left := r.RequestDeleteAge - age
	if left < r.MinNotice {
		return r.MinNotice
	}
	return left
}

// Close returns the transition for an owner's closing action
func Close(it models.Item, action Action, price decimal.Decimal, now time.Time) (*Transition, error) {
	if it.Status.Terminal() {
		return nil, ErrTerminal
	}
	t := &Transition{From: it.Status, Effects: EffectNotify | EffectRetract}

	switch {
	case it.Kind == models.KindAd && action == ActionFinalPrice:
		if !price.IsPositive() {
			return nil, ErrInvalidPrice
		}
		t.To = models.StatusCompleted
		t.CompletedAt = &now
		t.FinalPrice = decimal.NewNullDecimal(price)
	case it.Kind == models.KindAd && action == ActionCancel:
		t.To = models.StatusArchived
		t.ArchivedAt = &now
	case it.Kind == models.KindRequest && (action == ActionDelete || action == ActionCancel):
		t.To = models.StatusDeleted
	default:
		return nil, errors.Wrapf(ErrInvalidAction, "%s on %s", action, it.Kind)
	}
	return t, nil
}
