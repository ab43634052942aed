// Package telegram is the optional Telegram control surface: owner-only
// commands that drive the scheduler, plus a forwarder that posts relayed
// progress lines to a chat.
package telegram

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"autoprbot/internal/config"
	"autoprbot/internal/control"
	logx "autoprbot/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

var ErrTokenRequired = errors.New("telegram token is empty")

// Bot handles commands from the configured owners.
type Bot struct {
	bot    *tele.Bot
	owners []int64
	reg    *control.Registry
	log    logx.Logger
}

// New connects to Telegram (getMe) and registers the command handlers.
func New(cfg config.TelegramConfig, svc *control.Service, log logx.Logger) (*Bot, error) {
	return newBot(cfg, svc, log, false)
}

func newBot(cfg config.TelegramConfig, svc *control.Service, log logx.Logger, offline bool) (*Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: offline,
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{
		bot:    tb,
		owners: append([]int64(nil), cfg.OwnerUserIDs...),
		reg:    Commands(svc),
		log:    log.With(logx.String("comp", "telegram")),
	}
	tb.Handle(tele.OnText, b.onText)
	return b, nil
}

// Commands is the Telegram command set. "/start" is what clients send on
// first contact, so it shows help; the loop is started with /start_loop.
func Commands(svc *control.Service) *control.Registry {
	reg := control.NewRegistry()
	for _, c := range control.Standard(svc) {
		switch c.Name {
		case "start":
			c.Name, c.Aliases = "start_loop", nil
		case "stop":
			c.Name, c.Aliases = "stop_loop", nil
		}
		reg.Add(c)
	}
	reg.Add(control.Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show this list",
		Handle: func(context.Context, []string) (string, error) {
			return reg.Help("/"), nil
		},
	})
	return reg
}

func (b *Bot) isOwner(id int64) bool { return slices.Contains(b.owners, id) }

func (b *Bot) onText(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	reply := b.Reply(context.Background(), sender.ID, c.Text())
	if reply == "" {
		return nil
	}
	return c.Send(reply)
}

// Reply runs a command line from userID and returns the text to answer with.
// Messages from non-owners and plain text are ignored.
func (b *Bot) Reply(ctx context.Context, userID int64, text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	if !b.isOwner(userID) {
		b.log.Debug("command from non-owner ignored", logx.Int64("user_id", userID))
		return ""
	}
	reply, err := b.reg.Dispatch(ctx, text)
	switch {
	case errors.Is(err, control.ErrUnknownCommand):
		return "Unknown command. Try /help"
	case control.IsNotice(err):
		return err.Error()
	case err != nil:
		return "Error: " + err.Error()
	case reply == "":
		return "OK"
	default:
		return reply
	}
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.log.Info("polling started")
		b.bot.Start()
	}()
	select {
	case <-ctx.Done():
		b.bot.Stop()
		<-done
		b.log.Info("polling stopped")
		return nil
	case <-done:
		return errors.New("telegram poller exited")
	}
}

// SendText implements Sender.
func (b *Bot) SendText(_ context.Context, chatID int64, text string) error {
	_, err := b.bot.Send(tele.ChatID(chatID), text)
	return err
}
