// Package completion runs the short dialog in which an owner closes an
// expired ad, either with a final price or by cancelling it.
package completion

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/agromarket-bot/db"
	"github.com/slashbinslashnoname/agromarket-bot/effects"
	"github.com/slashbinslashnoname/agromarket-bot/lifecycle"
	"github.com/slashbinslashnoname/agromarket-bot/messages"
	"github.com/slashbinslashnoname/agromarket-bot/metrics"
	"github.com/slashbinslashnoname/agromarket-bot/models"
	"github.com/slashbinslashnoname/agromarket-bot/session"
)

// Store is the read side of the item store the dialog needs
type Store interface {
	GetItem(ctx context.Context, kind models.Kind, uniqueID string) (*models.Item, error)
	PendingAds(ctx context.Context, ownerID int64) ([]models.Item, error)
}

// Flow drives completion dialogs
type Flow struct {
	store        Store
	sessions     session.Store
	runner       *effects.Runner
	storeTimeout time.Duration
	now          func() time.Time
}

// NewFlow creates a new completion Flow
func NewFlow(store Store, sessions session.Store, runner *effects.Runner, storeTimeout time.Duration) *Flow {
	return &Flow{
		store:        store,
		sessions:     sessions,
		runner:       runner,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

func choiceKeyboard(lang string) *effects.Keyboard {
	return &effects.Keyboard{Reply: []string{
		messages.Text(lang, messages.ButtonPrice),
		messages.Text(lang, messages.ButtonCancel),
	}}
}

func priceKeyboard(lang string) *effects.Keyboard {
	return &effects.Keyboard{Reply: []string{messages.Text(lang, messages.ButtonCancel)}}
}

// Begin opens the dialog for an ad that just expired and prompts its owner.
// Owners are prompted even when their subscription has lapsed. An owner
// already closing another ad is only told; Resume offers this ad once that
// dialog ends.
func (f *Flow) Begin(ctx context.Context, it models.Item) error {
	lang := f.runner.Language(ctx, it.OwnerID)

	busy, err := f.busyWithOther(ctx, it)
	if err != nil {
		return err
	}
	if busy {
		metrics.DialogStepsTotal.WithLabelValues("queued").Inc()
		if err := f.runner.Notify(ctx, it.OwnerID, messages.Text(lang, messages.AdQueued, it.Title), nil); err != nil {
			return errors.Wrap(err, "failed to send queued notice")
		}
		return nil
	}

	err = f.enter(ctx, it.OwnerID, session.Dialog{
		Kind:   session.DialogCompletion,
		State:  session.StateAwaitingChoice,
		ItemID: it.UniqueID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to enter completion dialog")
	}

	if err := f.runner.Notify(ctx, it.OwnerID, messages.Text(lang, messages.AdExpired, it.Title), choiceKeyboard(lang)); err != nil {
		return errors.Wrap(err, "failed to send completion prompt")
	}
	return nil
}

// busyWithOther reports whether the owner has a dialog open for a different
// ad that can still be closed
func (f *Flow) busyWithOther(ctx context.Context, it models.Item) (bool, error) {
	d, ok, err := f.dialog(ctx, it.OwnerID)
	if err != nil {
		return false, err
	}
	if !ok || d.Kind != session.DialogCompletion || d.ItemID == it.UniqueID {
		return false, nil
	}

	open, err := f.load(ctx, models.KindAd, d.ItemID)
	if errors.Is(err, db.ErrItemNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return open.OwnerID == it.OwnerID && !open.Status.Terminal(), nil
}

// Resume re-enters the dialog for the owner's oldest pending ad. It reports
// false when there is nothing to resume.
func (f *Flow) Resume(ctx context.Context, userID int64) (bool, error) {
	storeCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	pending, err := f.store.PendingAds(storeCtx, userID)
	cancel()
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}
	return true, f.Begin(ctx, pending[0])
}

// HandleText feeds a free-text message into the user's dialog. It reports
// false when the user has no completion dialog open.
func (f *Flow) HandleText(ctx context.Context, userID int64, text string) (bool, error) {
	d, ok, err := f.dialog(ctx, userID)
	if err != nil {
		return false, err
	}
	if !ok || d.Kind != session.DialogCompletion {
		return false, nil
	}

	lang := f.runner.Language(ctx, userID)
	it, err := f.openAd(ctx, userID, d.ItemID, lang)
	if err != nil || it == nil {
		return true, err
	}

	switch d.State {
	case session.StateAwaitingChoice:
		switch {
		case messages.Matches(text, messages.ButtonPrice):
			return true, f.askPrice(ctx, userID, it, lang)
		case messages.Matches(text, messages.ButtonCancel):
			return true, f.close(ctx, userID, it, lifecycle.ActionCancel, decimal.Zero, lang)
		}
		metrics.DialogStepsTotal.WithLabelValues("invalid_choice").Inc()
		return true, f.runner.Notify(ctx, userID, messages.Text(lang, messages.InvalidChoice), choiceKeyboard(lang))

	case session.StateAwaitingPrice:
		if messages.Matches(text, messages.ButtonCancel) {
			return true, f.close(ctx, userID, it, lifecycle.ActionCancel, decimal.Zero, lang)
		}
		price, ok := ParsePrice(text)
		if !ok {
			metrics.DialogStepsTotal.WithLabelValues("invalid_price").Inc()
			return true, f.runner.Notify(ctx, userID, messages.Text(lang, messages.InvalidPrice), priceKeyboard(lang))
		}
		return true, f.close(ctx, userID, it, lifecycle.ActionFinalPrice, price, lang)
	}

	log.Warn().Int64("user_id", userID).Str("state", string(d.State)).Msg("Unknown dialog state, clearing")
	return true, f.clear(ctx, userID)
}

// Choose handles an inline button pressed for a specific ad
func (f *Flow) Choose(ctx context.Context, userID int64, itemID string, action lifecycle.Action) error {
	lang := f.runner.Language(ctx, userID)
	it, err := f.openAd(ctx, userID, itemID, lang)
	if err != nil || it == nil {
		return err
	}

	switch action {
	case lifecycle.ActionFinalPrice:
		return f.askPrice(ctx, userID, it, lang)
	case lifecycle.ActionCancel:
		return f.close(ctx, userID, it, lifecycle.ActionCancel, decimal.Zero, lang)
	}
	return errors.Wrapf(lifecycle.ErrInvalidAction, "%s", action)
}

// CloseRequest deletes a buyer's request on its owner's demand
func (f *Flow) CloseRequest(ctx context.Context, userID int64, itemID string) error {
	it, err := f.load(ctx, models.KindRequest, itemID)
	if err != nil {
		return err
	}
	if it.OwnerID != userID {
		return errors.Errorf("user %d does not own request %s", userID, itemID)
	}

	tr, err := lifecycle.Close(*it, lifecycle.ActionDelete, decimal.Zero, f.now())
	if errors.Is(err, lifecycle.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = f.runner.Apply(ctx, *it, tr)
	return err
}

// openAd loads the dialog's ad. It returns nil without error, after telling
// the user and clearing the dialog, when the ad can no longer be closed.
func (f *Flow) openAd(ctx context.Context, userID int64, itemID, lang string) (*models.Item, error) {
	it, err := f.load(ctx, models.KindAd, itemID)
	if err != nil && !errors.Is(err, db.ErrItemNotFound) {
		return nil, err
	}
	if err == nil && it.OwnerID == userID && !it.Status.Terminal() {
		return it, nil
	}

	if err := f.clear(ctx, userID); err != nil {
		return nil, err
	}
	metrics.DialogStepsTotal.WithLabelValues("already_closed").Inc()
	return nil, f.runner.Notify(ctx, userID, messages.Text(lang, messages.AlreadyClosed), &effects.Keyboard{Remove: true})
}

func (f *Flow) load(ctx context.Context, kind models.Kind, itemID string) (*models.Item, error) {
	storeCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	defer cancel()
	return f.store.GetItem(storeCtx, kind, itemID)
}

func (f *Flow) dialog(ctx context.Context, userID int64) (session.Dialog, bool, error) {
	sessCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	defer cancel()
	return f.sessions.Get(sessCtx, userID)
}

func (f *Flow) enter(ctx context.Context, userID int64, d session.Dialog) error {
	sessCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	defer cancel()
	return f.sessions.Enter(sessCtx, userID, d)
}

func (f *Flow) clear(ctx context.Context, userID int64) error {
	sessCtx, cancel := context.WithTimeout(ctx, f.storeTimeout)
	defer cancel()
	return f.sessions.Clear(sessCtx, userID)
}

func (f *Flow) askPrice(ctx context.Context, userID int64, it *models.Item, lang string) error {
	err := f.enter(ctx, userID, session.Dialog{
		Kind:   session.DialogCompletion,
		State:  session.StateAwaitingPrice,
		ItemID: it.UniqueID,
	})
	if err != nil {
		return err
	}
	metrics.DialogStepsTotal.WithLabelValues("awaiting_price").Inc()
	return f.runner.Notify(ctx, userID, messages.Text(lang, messages.EnterPrice, it.Title), priceKeyboard(lang))
}

func (f *Flow) close(ctx context.Context, userID int64, it *models.Item, action lifecycle.Action, price decimal.Decimal, lang string) error {
	tr, err := lifecycle.Close(*it, action, price, f.now())
	if err != nil {
		return err
	}

	// The dialog survives a failed write so the owner can simply retry.
	applied, err := f.runner.Apply(ctx, *it, tr)
	if err != nil {
		return err
	}
	if err := f.clear(ctx, userID); err != nil {
		return err
	}
	if !applied {
		metrics.DialogStepsTotal.WithLabelValues("already_closed").Inc()
		return f.runner.Notify(ctx, userID, messages.Text(lang, messages.AlreadyClosed), &effects.Keyboard{Remove: true})
	}
	metrics.DialogStepsTotal.WithLabelValues(string(action)).Inc()

	// Other ads of this owner may have expired while this dialog was open.
	if _, err := f.Resume(ctx, userID); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to resume next pending ad")
	}
	return nil
}

var priceCleaner = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "'", "", "_", "")

// ParsePrice reads a positive amount such as "150 000", "1,5" or "2500.75"
func ParsePrice(text string) (decimal.Decimal, bool) {
	s := priceCleaner.Replace(strings.TrimSpace(text))
	if strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", "")
	} else if strings.Count(s, ",") == 1 && len(s)-strings.Index(s, ",") != 4 {
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	if s == "" || strings.ContainsAny(s, "eE") {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(s)
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, false
	}
	return price, true
}
