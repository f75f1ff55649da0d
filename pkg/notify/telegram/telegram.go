// Package telegram delivers notifications as Telegram messages and turns
// inline-button presses back into notification actions.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"beacon/pkg/config"
	"beacon/pkg/notify"
)

const messagePreviewLimit = 240

// ActionHandler receives an action id (for example notify.ActionAccept) and the
// notification it was attached to.
type ActionHandler func(ctx context.Context, actionID string, notificationID string)

type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
}

// Presenter sends notifications to one chat.
type Presenter struct {
	bot    botAPI
	raw    *telego.Bot
	chatID int64
	log    *slog.Logger

	mu         sync.Mutex
	messages   map[string]int
	byMessage  map[int]string
	activeData map[string]map[string]string
}

// New validates Telegram configuration and constructs a presenter.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Presenter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("presenters.telegram.token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("presenters.telegram.chat_id is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	p := newWithBot(bot, cfg.ChatID, log)
	p.raw = bot
	return p, nil
}

func newWithBot(bot botAPI, chatID int64, log *slog.Logger) *Presenter {
	if log == nil {
		log = slog.Default()
	}
	return &Presenter{
		bot:        bot,
		chatID:     chatID,
		log:        log.With("component", "notify.telegram"),
		messages:   make(map[string]int),
		byMessage:  make(map[int]string),
		activeData: make(map[string]map[string]string),
	}
}

func (p *Presenter) Display(ctx context.Context, n notify.Notification) error {
	text := formatText(n)
	if text == "" {
		return fmt.Errorf("%w: empty notification", notify.ErrUnavailable)
	}

	params := tu.Message(tu.ID(p.chatID), text)
	if len(n.Actions) > 0 {
		buttons := make([]telego.InlineKeyboardButton, 0, len(n.Actions))
		for _, action := range n.Actions {
			buttons = append(buttons, tu.InlineKeyboardButton(action.Label).WithCallbackData(action.ID))
		}
		params = params.WithReplyMarkup(tu.InlineKeyboard(tu.InlineKeyboardRow(buttons...)))
	}

	msg, err := p.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: send telegram message: %w", notify.ErrUnavailable, err)
	}

	p.mu.Lock()
	previous, replaced := p.messages[n.ID]
	if replaced {
		delete(p.byMessage, previous)
	}
	p.messages[n.ID] = msg.MessageID
	p.byMessage[msg.MessageID] = n.ID
	p.activeData[n.ID] = n.Data
	p.mu.Unlock()

	if replaced {
		if err := p.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(p.chatID), MessageID: previous}); err != nil {
			p.log.Debug("Failed to delete replaced message", "id", n.ID, "message_id", previous, "error", err)
		}
	}

	p.log.Debug("Sent notification", "id", n.ID, "message_id", msg.MessageID, "content", previewText(text))
	return nil
}

func (p *Presenter) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	messageID, ok := p.messages[id]
	if ok {
		delete(p.messages, id)
		delete(p.byMessage, messageID)
		delete(p.activeData, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(p.chatID), MessageID: messageID}); err != nil {
		return fmt.Errorf("delete telegram message %d: %w", messageID, err)
	}
	return nil
}

func (p *Presenter) ListActive(context.Context) ([]notify.Active, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]notify.Active, 0, len(p.activeData))
	for id, data := range p.activeData {
		out = append(out, notify.Active{ID: id, Data: data})
	}
	return out, nil
}

// Run long-polls for inline-button presses and forwards them to handler until
// ctx is done. It requires a presenter built with New.
func (p *Presenter) Run(ctx context.Context, handler ActionHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if p.raw == nil {
		return errors.New("telegram bot is not initialized")
	}

	updates, err := p.raw.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	p.log.Info("Telegram action listener started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			if update.CallbackQuery != nil {
				p.handleCallback(ctx, update.CallbackQuery, handler)
			}
		}
	}
}

func (p *Presenter) handleCallback(ctx context.Context, query *telego.CallbackQuery, handler ActionHandler) {
	if err := p.bot.AnswerCallbackQuery(ctx, tu.CallbackQuery(query.ID)); err != nil {
		p.log.Debug("Failed to answer callback query", "error", err)
	}

	notificationID := ""
	if query.Message != nil {
		p.mu.Lock()
		notificationID = p.byMessage[query.Message.GetMessageID()]
		p.mu.Unlock()
	}
	if notificationID == "" {
		p.log.Debug("Ignoring action for unknown message", "action", query.Data)
		return
	}

	p.log.Info("Received notification action", "action", query.Data, "id", notificationID)
	handler(ctx, strings.TrimSpace(query.Data), notificationID)
}

func formatText(n notify.Notification) string {
	title := strings.TrimSpace(n.Title)
	body := strings.TrimSpace(n.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n" + body
	}
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= messagePreviewLimit {
		return trimmed
	}

	return string(runes[:messagePreviewLimit]) + "..."
}
