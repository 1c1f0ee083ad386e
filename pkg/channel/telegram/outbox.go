package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatbridge/pkg/bridge"
	"chatbridge/pkg/conversation"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	typingRefreshInterval = 4 * time.Second
	// Telegram rate-limits edits, so streamed drafts are refreshed at most this often.
	draftEditInterval = time.Second
)

// messenger is the subset of the Bot API the outbox needs.
type messenger interface {
	Send(ctx context.Context, chatID int64, text string, buttons []conversation.Button) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, buttons []conversation.Button) error
	Typing(ctx context.Context, chatID int64) error
}

// outbox renders bridge events into the bound chat. Streamed chunks grow a
// draft message that the final bot message replaces.
type outbox struct {
	messenger messenger
	log       *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	chatID      int64
	draftID     int
	draftText   string
	lastEdit    time.Time
	stopTyping  context.CancelFunc
	typingAfter time.Duration
}

func newOutbox(m messenger, log *slog.Logger) *outbox {
	return &outbox{
		messenger:   m,
		log:         log,
		now:         time.Now,
		typingAfter: typingRefreshInterval,
	}
}

// bind attaches the conversation to chatID. It reports false when another
// chat already owns the conversation.
func (o *outbox) bind(chatID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.chatID == 0 {
		o.chatID = chatID
		o.log.Info("Conversation bound to chat", "chat_id", chatID)
	}

	return o.chatID == chatID
}

func (o *outbox) deliver(ctx context.Context, event bridge.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.chatID == 0 {
		o.log.Debug("No chat bound; dropping event", "event_type", event.Type)
		return nil
	}

	switch event.Type {
	case bridge.EventChatInitialized:
		var data struct {
			ConversationHistory []messagePayload `json:"conversationHistory"`
		}
		if err := event.Decode(&data); err != nil {
			return err
		}
		o.log.Debug("Conversation initialized", "history_length", len(data.ConversationHistory))
		return nil
	case bridge.EventMessageReceived:
		var msg messagePayload
		if err := event.Decode(&msg); err != nil {
			return err
		}
		if msg.Role == string(conversation.RoleUser) {
			o.startTypingLocked(ctx)
			return nil
		}
		return o.finishLocked(ctx, msg.Message, msg.Buttons)
	case bridge.EventStreamChunk:
		return o.streamLocked(ctx, event.Payload().String("text"))
	case bridge.EventErrorOccurred:
		return o.finishLocked(ctx, "⚠️ "+event.Payload().String("error"), nil)
	case bridge.EventAgentNamed:
		_, err := o.messenger.Send(ctx, o.chatID, fmt.Sprintf("Your companion is now called %s.", event.Payload().String("name")), nil)
		return err
	case bridge.EventConversationHistory:
		var data struct {
			ConversationHistory []messagePayload `json:"conversationHistory"`
		}
		if err := event.Decode(&data); err != nil {
			return err
		}
		_, err := o.messenger.Send(ctx, o.chatID, transcript(data.ConversationHistory), nil)
		return err
	default:
		o.log.Debug("Ignoring event", "event_type", event.Type)
		return nil
	}
}

func (o *outbox) streamLocked(ctx context.Context, text string) error {
	if text == "" || text == o.draftText {
		return nil
	}

	if o.draftID == 0 {
		id, err := o.messenger.Send(ctx, o.chatID, text, nil)
		if err != nil {
			return err
		}
		o.draftID = id
		o.draftText = text
		o.lastEdit = o.now()
		return nil
	}

	if o.now().Sub(o.lastEdit) < draftEditInterval {
		return nil
	}
	if err := o.messenger.Edit(ctx, o.chatID, o.draftID, text, nil); err != nil {
		return err
	}
	o.draftText = text
	o.lastEdit = o.now()

	return nil
}

// finishLocked ends the current turn's output, replacing the draft when one exists.
func (o *outbox) finishLocked(ctx context.Context, text string, buttons []conversation.Button) error {
	o.stopTypingLocked()

	draftID, shown := o.draftID, o.draftText
	o.draftID = 0
	o.draftText = ""

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if draftID != 0 {
		// Telegram rejects edits that change nothing.
		if text == shown && len(buttons) == 0 {
			return nil
		}
		return o.messenger.Edit(ctx, o.chatID, draftID, text, buttons)
	}

	_, err := o.messenger.Send(ctx, o.chatID, text, buttons)
	return err
}

func (o *outbox) startTypingLocked(ctx context.Context) {
	o.stopTypingLocked()

	typingCtx, cancel := context.WithCancel(ctx)
	o.stopTyping = cancel
	chatID := o.chatID

	sendTyping := func() {
		if err := o.messenger.Typing(typingCtx, chatID); err != nil && typingCtx.Err() == nil {
			o.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	go func() {
		sendTyping()

		ticker := time.NewTicker(o.typingAfter)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (o *outbox) stopTypingLocked() {
	if o.stopTyping != nil {
		o.stopTyping()
		o.stopTyping = nil
	}
}

// messagePayload mirrors the message_received payload.
type messagePayload struct {
	Role    string                `json:"role"`
	Message string                `json:"message"`
	Buttons []conversation.Button `json:"buttons"`
}

func transcript(history []messagePayload) string {
	if len(history) == 0 {
		return "No messages yet. Say hi!"
	}

	lines := make([]string, 0, len(history))
	for _, msg := range history {
		speaker := "Companion"
		if msg.Role == string(conversation.RoleUser) {
			speaker = "You"
		}
		lines = append(lines, speaker+": "+previewText(msg.Message))
	}

	return strings.Join(lines, "\n")
}

type botMessenger struct {
	bot *telego.Bot
}

func (m botMessenger) Send(ctx context.Context, chatID int64, text string, buttons []conversation.Button) (int, error) {
	params := tu.Message(tu.ID(chatID), text)
	if keyboard := inlineKeyboard(buttons); keyboard != nil {
		params = params.WithReplyMarkup(keyboard)
	}

	sent, err := m.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send telegram message: %w", err)
	}

	return sent.MessageID, nil
}

func (m botMessenger) Edit(ctx context.Context, chatID int64, messageID int, text string, buttons []conversation.Button) error {
	params := &telego.EditMessageTextParams{
		ChatID:      tu.ID(chatID),
		MessageID:   messageID,
		Text:        text,
		ReplyMarkup: inlineKeyboard(buttons),
	}
	if _, err := m.bot.EditMessageText(ctx, params); err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}

	return nil
}

func (m botMessenger) Typing(ctx context.Context, chatID int64) error {
	return m.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// inlineKeyboard lays quick replies out one per row; callback data carries the button id.
func inlineKeyboard(buttons []conversation.Button) *telego.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, button := range buttons {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(button.Label).WithCallbackData(button.ID),
		))
	}

	return tu.InlineKeyboard(rows...)
}
