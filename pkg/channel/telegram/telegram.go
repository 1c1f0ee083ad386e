package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/sync/errgroup"
)

const channelName = "telegram"
const messagePreviewLimit = 240

const (
	commandStart   = "/start"
	commandNew     = "/new"
	commandHistory = "/history"
)

// Adapter drives one conversation from a Telegram chat. The first allowed
// chat that writes to the bot receives every outbound event.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in logs and gateway status.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts long polling, forwards updates as bridge actions and delivers
// bridge events back to the bound chat until ctx ends.
func (a *Adapter) Run(ctx context.Context, link channel.Link) error {
	if link == nil {
		return errors.New("bridge link is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	out := newOutbox(botMessenger{bot: bot}, a.log)
	a.log.Info("Telegram channel started")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return pumpEvents(groupCtx, link, out, a.log)
	})
	group.Go(func() error {
		return a.consumeUpdates(groupCtx, bot, updates, link, out)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (a *Adapter) consumeUpdates(ctx context.Context, bot *telego.Bot, updates <-chan telego.Update, link channel.Link, out *outbox) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			if query := update.CallbackQuery; query != nil {
				if err := bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(query.ID)); err != nil {
					a.log.Debug("Failed to answer callback query", "error", err)
				}
			}

			inbound, ok := actionForUpdate(update)
			if !ok {
				continue
			}
			if !a.senderAllowed(inbound.senderID) {
				a.log.Debug("Ignoring update from unauthorized sender", "sender_id", inbound.senderID)
				continue
			}
			if !out.bind(inbound.chatID) {
				a.log.Debug("Ignoring update from another chat", "chat_id", inbound.chatID)
				continue
			}

			a.log.Info("Received action",
				"chat_id", inbound.chatID,
				"action", inbound.action.Action,
				"content", previewText(inbound.action.Payload.String("message")),
			)
			if err := link.Receive(ctx, inbound.action); err != nil {
				a.log.Error("Failed to forward action", "action", inbound.action.Action, "error", err)
			}
		}
	}
}

// pumpEvents is the single consumer of the outbound frame queue.
func pumpEvents(ctx context.Context, link channel.Link, out *outbox, log *slog.Logger) error {
	for {
		frame, ok := link.Next(ctx)
		if !ok {
			return nil
		}

		event, err := bridge.DecodeEvent(frame)
		if err != nil {
			log.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		if err := out.deliver(ctx, event); err != nil {
			log.Error("Failed to deliver event", "event_type", event.Type, "error", err)
		}
	}
}

type inboundAction struct {
	action   bridge.ActionMessage
	chatID   int64
	senderID string
}

// actionForUpdate maps a Telegram update onto a bridge action. Commands map
// to conversation actions, callback queries to button clicks and any other
// text to send_message.
func actionForUpdate(update telego.Update) (inboundAction, bool) {
	if query := update.CallbackQuery; query != nil {
		data := strings.TrimSpace(query.Data)
		if data == "" || query.Message == nil {
			return inboundAction{}, false
		}

		return inboundAction{
			action:   bridge.NewAction(bridge.ActionClickButton, bridge.Payload{"buttonId": data}),
			chatID:   query.Message.GetChat().ID,
			senderID: strconv.FormatInt(query.From.ID, 10),
		}, true
	}

	message := update.Message
	if message == nil || message.From == nil {
		return inboundAction{}, false
	}
	text := strings.TrimSpace(message.Text)
	if text == "" {
		return inboundAction{}, false
	}

	inbound := inboundAction{
		chatID:   message.Chat.ID,
		senderID: strconv.FormatInt(message.From.ID, 10),
	}
	switch commandName(text) {
	case commandNew:
		inbound.action = bridge.NewAction(bridge.ActionForceNewConversation, nil)
	case commandStart, commandHistory:
		inbound.action = bridge.NewAction(bridge.ActionGetConversationHistory, nil)
	default:
		inbound.action = bridge.NewAction(bridge.ActionSendMessage, bridge.Payload{"message": text})
	}

	return inbound, true
}

// commandName strips arguments and the @botname suffix from a slash command.
func commandName(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}

	name := strings.Fields(text)[0]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	return strings.ToLower(name)
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	cut := messagePreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}

	return trimmed[:cut] + "..."
}
