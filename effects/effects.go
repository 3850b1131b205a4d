// Package effects persists lifecycle transitions and carries out the
// notifications and retractions that follow them.
package effects

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slashbinslashnoname/agromarket-bot/db"
	"github.com/slashbinslashnoname/agromarket-bot/lifecycle"
	"github.com/slashbinslashnoname/agromarket-bot/messages"
	"github.com/slashbinslashnoname/agromarket-bot/metrics"
	"github.com/slashbinslashnoname/agromarket-bot/models"
)

// UniqueRequestDelete is the inline button that deletes a pending request
const UniqueRequestDelete = "request_delete"

// Button is an inline button; Data travels back in the callback
type Button struct {
	Text   string
	Unique string
	Data   string
}

// Keyboard is the markup attached to a notification
type Keyboard struct {
	Reply  []string
	Inline []Button
	Remove bool
}

// Store is the part of the item store the runner writes to
type Store interface {
	Transition(ctx context.Context, kind models.Kind, uniqueID string, expected, next models.Status, f db.Fields) (bool, error)
	ClearAnnouncement(ctx context.Context, kind models.Kind, uniqueID string) error
	UserLanguage(ctx context.Context, userID int64) (string, error)
}

// Messenger delivers messages to owners, the channel, and operators
type Messenger interface {
	Notify(ctx context.Context, userID int64, text string, kb *Keyboard) error
	Retract(ctx context.Context, ref string) error
	Alert(ctx context.Context, text string) error
}

// Runner applies transitions against the store and the messenger
type Runner struct {
	store        Store
	messenger    Messenger
	storeTimeout time.Duration
	sendTimeout  time.Duration
}

// NewRunner creates a Runner bounding store and messenger calls by the
// given timeouts
func NewRunner(store Store, messenger Messenger, storeTimeout, sendTimeout time.Duration) *Runner {
	return &Runner{
		store:        store,
		messenger:    messenger,
		storeTimeout: storeTimeout,
		sendTimeout:  sendTimeout,
	}
}

// Apply persists tr for it and, if this writer won, performs its effects.
// It reports false when the item had already left tr.From. Effect failures
// are logged and alerted but never returned; the status write stands.
// EffectPromptPrice is left to the caller.
func (r *Runner) Apply(ctx context.Context, it models.Item, tr *lifecycle.Transition) (bool, error) {
	logger := log.With().
		Str("kind", string(it.Kind)).
		Str("unique_id", it.UniqueID).
		Int64("user_id", it.OwnerID).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Logger()

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	applied, err := r.store.Transition(storeCtx, it.Kind, it.UniqueID, tr.From, tr.To, db.Fields{
		ArchivedAt:  tr.ArchivedAt,
		CompletedAt: tr.CompletedAt,
		FinalPrice:  tr.FinalPrice,
	})
	cancel()
	if err != nil {
		return false, err
	}
	if !applied {
		metrics.LostRacesTotal.WithLabelValues(string(it.Kind)).Inc()
		logger.Debug().Msg("Item already handled")
		return false, nil
	}

	metrics.TransitionsTotal.WithLabelValues(string(it.Kind), string(tr.From), string(tr.To)).Inc()
	logger.Info().Msg("Item transitioned")

	if tr.Has(lifecycle.EffectRetract) {
		r.retract(ctx, logger, it)
	}
	if tr.Has(lifecycle.EffectNotify) && !tr.Has(lifecycle.EffectPromptPrice) {
		r.notifyOwner(ctx, logger, it, tr)
	}
	return true, nil
}

func (r *Runner) retract(ctx context.Context, logger zerolog.Logger, it models.Item) {
	if len(it.MessageRefs) == 0 {
		return
	}
	for _, ref := range it.MessageRefs {
		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := r.messenger.Retract(sendCtx, ref)
		cancel()
		if err != nil {
			// Refs stay stored for the operators alerted below; deleted and
			// archived items are never scanned again.
			r.Failed(ctx, logger, "retract", err, fmt.Sprintf("Failed to retract post %s of %s %s", ref, it.Kind, it.UniqueID))
			return
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.ClearAnnouncement(storeCtx, it.Kind, it.UniqueID); err != nil {
		logger.Warn().Err(err).Msg("Failed to clear announcement refs")
	}
}

func (r *Runner) notifyOwner(ctx context.Context, logger zerolog.Logger, it models.Item, tr *lifecycle.Transition) {
	lang := r.Language(ctx, it.OwnerID)

	var (
		text string
		kb   *Keyboard
	)
	switch tr.To {
	case models.StatusPendingResponse:
		text = messages.Text(lang, messages.RequestExpiring, it.Title, messages.Duration(lang, tr.DeleteIn))
		kb = &Keyboard{Inline: []Button{{
			Text:   messages.Text(lang, messages.ButtonDelete),
			Unique: UniqueRequestDelete,
			Data:   it.UniqueID,
		}}}
	case models.StatusDeleted:
		text = messages.Text(lang, messages.RequestDeleted, it.Title)
	case models.StatusCompleted:
		text = messages.Text(lang, messages.AdCompleted, it.Title, tr.FinalPrice.Decimal.String())
		kb = &Keyboard{Remove: true}
	case models.StatusArchived:
		text = messages.Text(lang, messages.AdArchived, it.Title)
		kb = &Keyboard{Remove: true}
	default:
		return
	}

	if err := r.Notify(ctx, it.OwnerID, text, kb); err != nil {
		r.Failed(ctx, logger, "notify", err, fmt.Sprintf("Failed to notify user %d about %s %s", it.OwnerID, it.Kind, it.UniqueID))
	}
}

// Notify sends text to an owner within the send timeout
func (r *Runner) Notify(ctx context.Context, userID int64, text string, kb *Keyboard) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return r.messenger.Notify(sendCtx, userID, text, kb)
}

// Language returns the owner's language, falling back to the default
func (r *Runner) Language(ctx context.Context, userID int64) string {
	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	lang, err := r.store.UserLanguage(storeCtx, userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Using default language")
		return messages.DefaultLanguage
	}
	return lang
}

// Failed records a best-effort failure: log, count, and tell the operators
func (r *Runner) Failed(ctx context.Context, logger zerolog.Logger, effect string, err error, summary string) {
	metrics.SideEffectFailuresTotal.WithLabelValues(effect).Inc()
	logger.Error().Err(err).Str("effect", effect).Msg(summary)

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if alertErr := r.messenger.Alert(sendCtx, fmt.Sprintf("⚠️ %s: %v", summary, err)); alertErr != nil {
		logger.Warn().Err(alertErr).Msg("Failed to alert operators")
	}
}
