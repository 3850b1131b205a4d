package bot

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/slashbinslashnoname/agromarket-bot/completion"
	"github.com/slashbinslashnoname/agromarket-bot/config"
	"github.com/slashbinslashnoname/agromarket-bot/db"
	"github.com/slashbinslashnoname/agromarket-bot/effects"
	"github.com/slashbinslashnoname/agromarket-bot/lifecycle"
	"github.com/slashbinslashnoname/agromarket-bot/messages"
	"github.com/slashbinslashnoname/agromarket-bot/models"
	"github.com/slashbinslashnoname/agromarket-bot/session"
)

// Button identifiers
const (
	btnPending = "pending"

	// Per-ad buttons; the ad's unique id travels as callback data
	btnCompletePrice  = "complete_price"
	btnCompleteCancel = "complete_cancel"
)

const (
	pollTimeout    = 10 * time.Second
	handlerTimeout = 30 * time.Second
	maxListed      = 10
)

// Bot represents the Telegram bot with its dependencies
type Bot struct {
	teleBot  *telebot.Bot
	database *db.Database
	runner   *effects.Runner
	flow     *completion.Flow
	config   *config.Config
}

// NewBot creates a new Bot instance
func NewBot(cfg *config.Config, database *db.Database, sessions session.Store) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: pollTimeout},
		Client: &http.Client{Timeout: pollTimeout + cfg.SendTimeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}

	b := &Bot{
		teleBot:  tb,
		database: database,
		config:   cfg,
	}
	b.runner = effects.NewRunner(database, b, cfg.StoreTimeout, cfg.SendTimeout)
	b.flow = completion.NewFlow(database, sessions, b.runner, cfg.StoreTimeout)
	return b, nil
}

// Runner returns the transition runner backed by this bot
func (b *Bot) Runner() *effects.Runner {
	return b.runner
}

// Flow returns the completion dialog driven by this bot
func (b *Bot) Flow() *completion.Flow {
	return b.flow
}

func buildMarkup(kb *effects.Keyboard) *telebot.ReplyMarkup {
	if kb == nil {
		return nil
	}
	markup := &telebot.ReplyMarkup{}
	switch {
	case len(kb.Inline) > 0:
		row := make([]telebot.InlineButton, 0, len(kb.Inline))
		for _, btn := range kb.Inline {
			row = append(row, telebot.InlineButton{Unique: btn.Unique, Text: btn.Text, Data: btn.Data})
		}
		markup.InlineKeyboard = [][]telebot.InlineButton{row}
	case len(kb.Reply) > 0:
		for _, text := range kb.Reply {
			markup.ReplyKeyboard = append(markup.ReplyKeyboard, []telebot.ReplyButton{{Text: text}})
		}
		markup.ResizeReplyKeyboard = true
	case kb.Remove:
		markup.ReplyKeyboardRemove = true
	default:
		return nil
	}
	return markup
}

// unreachable reports whether the user can no longer receive messages
func unreachable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"blocked by the user", "user is deactivated", "chat not found", "can't initiate conversation"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// gone reports whether a message was already deleted
func gone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to delete not found") || strings.Contains(msg, "message not found")
}

// Notify sends a message to a user. Users who blocked the bot are logged
// and skipped.
func (b *Bot) Notify(ctx context.Context, userID int64, text string, kb *effects.Keyboard) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var opts []interface{}
	if markup := buildMarkup(kb); markup != nil {
		opts = append(opts, markup)
	}
	_, err := b.teleBot.Send(&telebot.Chat{ID: userID}, text, opts...)
	if err != nil && unreachable(err) {
		log.Warn().Err(err).Int64("user_id", userID).Msg("User unreachable, notification dropped")
		return nil
	}
	return errors.Wrapf(err, "failed to notify user %d", userID)
}

// Retract deletes a channel post. A post that is already gone is not an error.
func (b *Bot) Retract(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.config.ChannelID == 0 {
		return nil
	}

	err := b.teleBot.Delete(&telebot.StoredMessage{MessageID: ref, ChatID: b.config.ChannelID})
	if err != nil && gone(err) {
		log.Info().Str("message_id", ref).Msg("Channel post already gone")
		return nil
	}
	return errors.Wrapf(err, "failed to delete channel post %s", ref)
}

// Alert forwards an operator-facing message to the admin chat
func (b *Bot) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.config.AdminChatID == 0 {
		return nil
	}
	_, err := b.teleBot.Send(&telebot.Chat{ID: b.config.AdminChatID}, text)
	return errors.Wrap(err, "failed to alert admins")
}

func (b *Bot) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// sendMainMenu sends the main menu with buttons to the user
func (b *Bot) sendMainMenu(ctx context.Context, user *telebot.User) {
	lang := b.runner.Language(ctx, int64(user.ID))
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{{
		{Unique: btnPending, Text: messages.Text(lang, messages.MenuPending)},
	}}
	b.teleBot.Send(user, messages.Text(lang, messages.Welcome), menu)
}

// registerUser registers a new user in the database
func (b *Bot) registerUser(ctx context.Context, m *telebot.Message) error {
	if err := b.database.RegisterUser(ctx, int64(m.Sender.ID), m.Sender.Username, messages.Normalize(m.Sender.LanguageCode)); err != nil {
		return err
	}
	b.sendMainMenu(ctx, m.Sender)
	return nil
}

// listPending shows every pending ad of the user with its closing buttons
func (b *Bot) listPending(ctx context.Context, user *telebot.User) error {
	userID := int64(user.ID)
	lang := b.runner.Language(ctx, userID)

	ads, err := b.database.PendingAds(ctx, userID)
	if err != nil {
		b.teleBot.Send(user, messages.Text(lang, messages.NoPending))
		return errors.Wrap(err, "failed to list pending ads")
	}
	if len(ads) == 0 {
		b.teleBot.Send(user, messages.Text(lang, messages.NoPending))
		return nil
	}

	for i, ad := range ads {
		if i == maxListed {
			break
		}
		b.teleBot.Send(user, messages.Text(lang, messages.ChooseAction, ad.Title), pendingMarkup(lang, ad))
	}
	return nil
}

func pendingMarkup(lang string, ad models.Item) *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{{
		{Unique: btnCompletePrice, Text: messages.Text(lang, messages.ButtonPrice), Data: ad.UniqueID},
		{Unique: btnCompleteCancel, Text: messages.Text(lang, messages.ButtonCancel), Data: ad.UniqueID},
	}}
	return menu
}

// choose routes a per-ad button press into the completion dialog
func (b *Bot) choose(c *telebot.Callback, action lifecycle.Action) {
	b.teleBot.Respond(c, &telebot.CallbackResponse{})
	ctx, cancel := b.handlerContext()
	defer cancel()

	if err := b.flow.Choose(ctx, int64(c.Sender.ID), c.Data, action); err != nil {
		log.Error().Err(err).Str("unique_id", c.Data).Msg("Error handling completion choice")
	}
}

// Start registers handlers and blocks until Stop is called
func (b *Bot) Start() {
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnPending}, func(c *telebot.Callback) {
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
		ctx, cancel := b.handlerContext()
		defer cancel()
		if err := b.listPending(ctx, c.Sender); err != nil {
			log.Error().Err(err).Msg("Error listing pending ads")
		}
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnCompletePrice}, func(c *telebot.Callback) {
		b.choose(c, lifecycle.ActionFinalPrice)
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnCompleteCancel}, func(c *telebot.Callback) {
		b.choose(c, lifecycle.ActionCancel)
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: effects.UniqueRequestDelete}, func(c *telebot.Callback) {
		ctx, cancel := b.handlerContext()
		defer cancel()
		if err := b.flow.CloseRequest(ctx, int64(c.Sender.ID), c.Data); err != nil {
			b.teleBot.Respond(c, &telebot.CallbackResponse{Text: "⚠️", ShowAlert: true})
			log.Error().Err(err).Str("unique_id", c.Data).Msg("Error deleting request")
			return
		}
		b.teleBot.Respond(c, &telebot.CallbackResponse{})
	})

	b.teleBot.Handle("/start", func(m *telebot.Message) {
		ctx, cancel := b.handlerContext()
		defer cancel()
		if err := b.registerUser(ctx, m); err != nil {
			log.Error().Err(err).Msg("Error registering user")
		}
	})

	b.teleBot.Handle("/pending", func(m *telebot.Message) {
		ctx, cancel := b.handlerContext()
		defer cancel()
		if err := b.listPending(ctx, m.Sender); err != nil {
			log.Error().Err(err).Msg("Error listing pending ads")
		}
	})

	b.teleBot.Handle(telebot.OnText, func(m *telebot.Message) {
		if strings.HasPrefix(m.Text, "/") {
			return
		}
		ctx, cancel := b.handlerContext()
		defer cancel()

		handled, err := b.flow.HandleText(ctx, int64(m.Sender.ID), m.Text)
		if err != nil {
			log.Error().Err(err).Int64("user_id", int64(m.Sender.ID)).Msg("Error in completion dialog")
		}
		if !handled {
			b.sendMainMenu(ctx, m.Sender)
		}
	})

	log.Info().Msg("Bot started and ready to accept commands...")
	b.teleBot.Start()
}

// Stop stops polling for updates
func (b *Bot) Stop() {
	b.teleBot.Stop()
}
