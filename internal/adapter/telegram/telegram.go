// Package telegram connects hivebot to Telegram via the Bot API using long
// polling. Inbound updates become dispatcher events; service responses are
// applied through the Bot API (send, edit, delete, media, keyboards).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/hivebot/internal/adapter"
	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/dispatch"
	"github.com/nextlevelbuilder/hivebot/internal/reaper"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

const platform = "telegram"

// Adapter is the Telegram platform adapter. It implements adapter.Transport
// so the shared Applier can drive the Bot API.
type Adapter struct {
	bot        *telego.Bot
	config     config.TelegramConfig
	dispatcher *dispatch.Dispatcher
	applier    *adapter.Applier
	events     bus.EventPublisher
	allow      map[string]bool

	// Menu resolves the command menu for a chat; nil disables menu sync.
	Menu func(ctx context.Context, chatID string) map[string]string

	chatLocks  sync.Map // "chat|user" → *sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter from config. events may be nil.
func New(cfg config.TelegramConfig, dispatcher *dispatch.Dispatcher, r *reaper.Reaper, defaultTTL int64, events bus.EventPublisher) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}

	a := &Adapter{
		bot:        bot,
		config:     cfg,
		dispatcher: dispatcher,
		events:     events,
		allow:      allow,
	}
	a.applier = adapter.NewApplier(platform, a, r, defaultTTL)
	return a, nil
}

// Start begins long polling for updates. The polling goroutine exits when
// Stop cancels its context.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting telegram adapter (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram adapter connected", "username", a.bot.Username())
	a.publishStatus("started", "")

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					go a.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					go a.handleCallback(pollCtx, update.CallbackQuery)
				default:
					slog.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the polling goroutine so Telegram
// releases the getUpdates lock before another instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping telegram adapter")
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	a.publishStatus("stopped", "")
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot || msg.Text == "" {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	userID := strconv.FormatInt(msg.From.ID, 10)
	if !a.allowed(chatID) {
		slog.Debug("telegram chat rejected by allowlist", "chat_id", chatID)
		return
	}

	ev := dispatch.Event{ChatID: chatID, UserID: userID}
	if strings.HasPrefix(msg.Text, "/") {
		ev.Kind = dispatch.KindCommand
		ev.Command = msg.Text
	} else {
		ev.Kind = dispatch.KindMessage
		ev.Message = msg.Text
	}

	a.process(ctx, ev, adapter.Inbound{
		ChatID:    chatID,
		UserID:    userID,
		MessageID: strconv.Itoa(msg.MessageID),
	})
}

func (a *Adapter) handleCallback(ctx context.Context, cq *telego.CallbackQuery) {
	// Acknowledge immediately so the client stops its spinner; the routed
	// response follows.
	if err := a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
		slog.Debug("telegram callback ack failed", "error", err)
	}
	if cq.Message == nil || cq.Data == "" {
		return
	}

	chatID := strconv.FormatInt(cq.Message.GetChat().ID, 10)
	userID := strconv.FormatInt(cq.From.ID, 10)
	if !a.allowed(chatID) {
		return
	}

	a.process(ctx,
		dispatch.Event{Kind: dispatch.KindCallback, Data: cq.Data, ChatID: chatID, UserID: userID},
		adapter.Inbound{ChatID: chatID, UserID: userID, MessageID: strconv.Itoa(cq.Message.GetMessageID())},
	)
}

// process serializes dispatching per (chat,user) and applies the response.
func (a *Adapter) process(ctx context.Context, ev dispatch.Event, in adapter.Inbound) {
	mu := a.lockFor(ev.ChatID, ev.UserID)
	mu.Lock()
	defer mu.Unlock()

	resp, err := a.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		slog.Error("telegram dispatch failed", "chat_id", ev.ChatID, "error", err)
		return
	}
	if resp == nil {
		return
	}
	if err := a.applier.Apply(ctx, in, resp); err != nil {
		slog.Error("telegram response application failed", "chat_id", ev.ChatID, "kind", resp.Kind, "error", err)
	}
}

func (a *Adapter) lockFor(chatID, userID string) *sync.Mutex {
	v, _ := a.chatLocks.LoadOrStore(chatID+"|"+userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (a *Adapter) allowed(chatID string) bool {
	return len(a.allow) == 0 || a.allow[chatID]
}

// Send implements adapter.Transport.
func (a *Adapter) Send(ctx context.Context, chatID string, resp *sdk.Response) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	chat := tu.ID(id)
	markup := keyboardMarkup(adapter.ParseKeyboard(resp.Options))

	switch resp.Kind {
	case sdk.RespReply:
		return a.sendText(ctx, chat, resp.Text, markup)
	case sdk.RespError:
		return a.sendText(ctx, chat, "⚠️ "+resp.Message, nil)
	case sdk.RespPhoto:
		msg, err := a.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: chat, Photo: tu.FileFromURL(resp.URL), Caption: resp.Caption, ReplyMarkup: markup,
		})
		return messageID(msg), err
	case sdk.RespAudio:
		msg, err := a.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: chat, Audio: tu.FileFromURL(resp.URL), Caption: resp.Caption, ReplyMarkup: markup,
		})
		return messageID(msg), err
	case sdk.RespVideo:
		msg, err := a.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID: chat, Video: tu.FileFromURL(resp.URL), Caption: resp.Caption, ReplyMarkup: markup,
		})
		return messageID(msg), err
	case sdk.RespDocument:
		msg, err := a.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: chat, Document: tu.FileFromURL(resp.URL), Caption: resp.Caption, ReplyMarkup: markup,
		})
		return messageID(msg), err
	case sdk.RespLocation:
		if resp.Title != "" {
			msg, err := a.bot.SendVenue(ctx, &telego.SendVenueParams{
				ChatID: chat, Latitude: resp.Lat, Longitude: resp.Lng,
				Title: resp.Title, Address: resp.Address,
			})
			return messageID(msg), err
		}
		msg, err := a.bot.SendLocation(ctx, &telego.SendLocationParams{
			ChatID: chat, Latitude: resp.Lat, Longitude: resp.Lng,
		})
		return messageID(msg), err
	case sdk.RespContact:
		msg, err := a.bot.SendContact(ctx, &telego.SendContactParams{
			ChatID: chat, PhoneNumber: resp.Phone,
			FirstName: resp.FirstName, LastName: resp.LastName,
		})
		return messageID(msg), err
	case sdk.RespUI:
		return a.sendUI(ctx, chat, resp)
	default:
		// Unknown kinds degrade to their text, if any.
		if resp.Text != "" {
			return a.sendText(ctx, chat, resp.Text, markup)
		}
		return "", nil
	}
}

// Edit implements adapter.Transport.
func (a *Adapter) Edit(ctx context.Context, chatID, msgID string, resp *sdk.Response) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", msgID, err)
	}
	_, err = a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:      tu.ID(id),
		MessageID:   n,
		Text:        resp.Text,
		ReplyMarkup: keyboardMarkup(adapter.ParseKeyboard(resp.Options)),
	})
	return err
}

// Delete implements adapter.Transport.
func (a *Adapter) Delete(ctx context.Context, chatID, msgID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", msgID, err)
	}
	return a.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(id), MessageID: n})
}

func (a *Adapter) sendText(ctx context.Context, chat telego.ChatID, text string, markup *telego.InlineKeyboardMarkup) (string, error) {
	params := tu.Message(chat, text)
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if a.config.LinkPreview != nil && !*a.config.LinkPreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	msg, err := a.bot.SendMessage(ctx, params)
	return messageID(msg), err
}

// sendUI maps the structured ui response onto Telegram primitives. The only
// uiType Telegram renders natively is an inline keyboard; everything else
// degrades to the text.
func (a *Adapter) sendUI(ctx context.Context, chat telego.ChatID, resp *sdk.Response) (string, error) {
	var markup *telego.InlineKeyboardMarkup
	if resp.UIType == "inline_keyboard" {
		markup = keyboardMarkup(adapter.ParseKeyboard(resp.UI))
	}
	text := resp.Text
	if text == "" {
		text = adapter.Truncate(string(resp.UI), 120)
	}
	params := tu.Message(chat, text)
	if markup != nil {
		params.ReplyMarkup = markup
	}
	msg, err := a.bot.SendMessage(ctx, params)
	return messageID(msg), err
}

// SyncMenuCommands publishes a chat-scoped command menu from the chat's
// routing snapshot, so clients offer the commands the chat actually has.
func (a *Adapter) SyncMenuCommands(ctx context.Context, chatID string) error {
	if a.Menu == nil {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	menu := a.Menu(ctx, chatID)

	commands := make([]telego.BotCommand, 0, len(menu))
	for token, description := range menu {
		if description == "" {
			description = token
		}
		commands = append(commands, telego.BotCommand{
			Command:     token,
			Description: adapter.Truncate(description, 256),
		})
	}
	if len(commands) == 0 {
		return a.bot.DeleteMyCommands(ctx, &telego.DeleteMyCommandsParams{
			Scope: &telego.BotCommandScopeChat{Type: "chat", ChatID: tu.ID(id)},
		})
	}
	return a.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
		Scope:    &telego.BotCommandScopeChat{Type: "chat", ChatID: tu.ID(id)},
	})
}

func (a *Adapter) publishStatus(status, detail string) {
	if a.events == nil {
		return
	}
	a.events.Broadcast(bus.Event{Name: bus.EventChannel, Payload: bus.ChannelPayload{
		Platform: platform, Status: status, Detail: detail,
	}})
}

func keyboardMarkup(rows [][]adapter.KeyboardButton) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		line := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			line = append(line, telego.InlineKeyboardButton{
				Text:         b.Text,
				CallbackData: b.CallbackData,
				URL:          b.URL,
			})
		}
		kb = append(kb, line)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: kb}
}

func messageID(msg *telego.Message) string {
	if msg == nil {
		return ""
	}
	return strconv.Itoa(msg.MessageID)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}
