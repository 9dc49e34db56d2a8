// Package bot provides the Telegram operator console: initialization,
// middleware and command registration.
package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/handler"
	"hosting-ledger/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	adminHandler *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config     *config.Config
	Ledger     *service.LedgerService
	Reconciler *service.ReconcilerService
	Capacity   *service.CapacityService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Telegram.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Telegram.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Telegram handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:          teleBot,
		cfg:          deps.Config,
		adminHandler: handler.NewAdminHandler(deps.Ledger, deps.Reconciler, deps.Capacity),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(WhitelistMiddleware(b.cfg))
	b.bot.Use(LoggingMiddleware())
	// Every command mutates or reveals ledger state.
	b.bot.Use(AdminMiddleware(b.cfg))
}

// registerHandlers registers all command and callback handlers.
func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.adminHandler.HandleHelp)
	b.bot.Handle("/help", b.adminHandler.HandleHelp)
	b.bot.Handle("/balance", b.adminHandler.HandleBalance)
	b.bot.Handle("/adjust", b.adminHandler.HandleAdjust)
	b.bot.Handle("/audit", b.adminHandler.HandleAudit)
	b.bot.Handle("/inconsistencies", b.adminHandler.HandleInconsistencies)
	b.bot.Handle("/resolve", b.adminHandler.HandleResolve)
	b.bot.Handle("/nodes", b.adminHandler.HandleNodes)

	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// handleCallback routes callbacks to appropriate handlers
func (b *Bot) handleCallback(c tele.Context) error {
	callback := c.Callback()
	if callback == nil {
		return nil
	}

	// Telebot v3 may add a \f prefix to callback data
	data := strings.TrimPrefix(callback.Data, "\f")
	log.Debug().Str("data", data).Msg("Callback received")

	if strings.HasPrefix(data, handler.CallbackResolve) {
		return b.adminHandler.HandleResolveCallback(c)
	}
	return c.Respond()
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
