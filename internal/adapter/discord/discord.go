// Package discord connects hivebot to Discord via the gateway. Messages and
// component interactions become dispatcher events; responses map onto
// Discord messages, embeds, and button rows.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/hivebot/internal/adapter"
	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/dispatch"
	"github.com/nextlevelbuilder/hivebot/internal/reaper"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

const platform = "discord"

// Discord caps message content at 2000 characters.
const maxContentLen = 2000

// Adapter is the Discord platform adapter. It implements adapter.Transport.
type Adapter struct {
	session    *discordgo.Session
	config     config.DiscordConfig
	dispatcher *dispatch.Dispatcher
	applier    *adapter.Applier
	events     bus.EventPublisher
	allow      map[string]bool
	prefix     string
	botUserID  string

	chatLocks sync.Map // "chat|user" → *sync.Mutex
}

// New creates a Discord adapter from config. events may be nil.
func New(cfg config.DiscordConfig, dispatcher *dispatch.Dispatcher, r *reaper.Reaper, defaultTTL int64, events bus.EventPublisher) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = "/"
	}

	a := &Adapter{
		session:    session,
		config:     cfg,
		dispatcher: dispatcher,
		events:     events,
		allow:      allow,
		prefix:     prefix,
	}
	a.applier = adapter.NewApplier(platform, a, r, defaultTTL)
	return a, nil
}

// Start opens the gateway connection and begins receiving events.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting discord adapter")

	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})
	a.session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		a.handleInteraction(ctx, i)
	})

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID

	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)
	a.publishStatus("started", "")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping discord adapter")
	err := a.session.Close()
	a.publishStatus("stopped", "")
	return err
}

func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.botUserID || m.Content == "" {
		return
	}
	chatID := m.ChannelID
	if !a.allowed(chatID) {
		slog.Debug("discord channel rejected by allowlist", "channel_id", chatID)
		return
	}

	ev := dispatch.Event{ChatID: chatID, UserID: m.Author.ID}
	if strings.HasPrefix(m.Content, a.prefix) {
		ev.Kind = dispatch.KindCommand
		ev.Command = "/" + strings.TrimPrefix(m.Content, a.prefix)
	} else {
		ev.Kind = dispatch.KindMessage
		ev.Message = m.Content
	}

	a.process(ctx, ev, adapter.Inbound{ChatID: chatID, UserID: m.Author.ID, MessageID: m.ID})
}

// handleInteraction routes button taps. The interaction is acknowledged with
// a deferred update; the routed response arrives as a regular edit or send.
func (a *Adapter) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	if err := a.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		slog.Debug("discord interaction ack failed", "error", err)
	}

	userID := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	} else if i.User != nil {
		userID = i.User.ID
	}
	chatID := i.ChannelID
	if userID == "" || !a.allowed(chatID) {
		return
	}

	messageID := ""
	if i.Message != nil {
		messageID = i.Message.ID
	}

	a.process(ctx,
		dispatch.Event{Kind: dispatch.KindCallback, Data: i.MessageComponentData().CustomID, ChatID: chatID, UserID: userID},
		adapter.Inbound{ChatID: chatID, UserID: userID, MessageID: messageID},
	)
}

// process serializes dispatching per (chat,user) and applies the response.
func (a *Adapter) process(ctx context.Context, ev dispatch.Event, in adapter.Inbound) {
	mu := a.lockFor(ev.ChatID, ev.UserID)
	mu.Lock()
	defer mu.Unlock()

	resp, err := a.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		slog.Error("discord dispatch failed", "channel_id", ev.ChatID, "error", err)
		return
	}
	if resp == nil {
		return
	}
	if err := a.applier.Apply(ctx, in, resp); err != nil {
		slog.Error("discord response application failed", "channel_id", ev.ChatID, "kind", resp.Kind, "error", err)
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
func (a *Adapter) Send(_ context.Context, chatID string, resp *sdk.Response) (string, error) {
	send := &discordgo.MessageSend{
		Components: buttonRows(adapter.ParseKeyboard(resp.Options)),
	}

	switch resp.Kind {
	case sdk.RespReply:
		send.Content = clip(resp.Text)
	case sdk.RespError:
		send.Content = clip("⚠️ " + resp.Message)
	case sdk.RespPhoto:
		send.Content = clip(resp.Caption)
		send.Embeds = []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: resp.URL}}}
	case sdk.RespVideo:
		send.Content = clip(resp.Caption)
		send.Embeds = []*discordgo.MessageEmbed{{Video: &discordgo.MessageEmbedVideo{URL: resp.URL}}}
	case sdk.RespAudio, sdk.RespDocument:
		// No native embed; link it.
		send.Content = clip(strings.TrimSpace(resp.Caption + "\n" + resp.URL))
	case sdk.RespLocation:
		send.Content = clip(formatLocation(resp))
	case sdk.RespContact:
		send.Content = clip(strings.TrimSpace(fmt.Sprintf("%s %s: %s", resp.FirstName, resp.LastName, resp.Phone)))
	case sdk.RespUI:
		send.Content = clip(resp.Text)
		if resp.UIType == "inline_keyboard" {
			send.Components = buttonRows(adapter.ParseKeyboard(resp.UI))
		}
		if send.Content == "" {
			send.Content = clip(adapter.Truncate(string(resp.UI), 120))
		}
	default:
		if resp.Text == "" {
			return "", nil
		}
		send.Content = clip(resp.Text)
	}

	msg, err := a.session.ChannelMessageSendComplex(chatID, send)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Edit implements adapter.Transport.
func (a *Adapter) Edit(_ context.Context, chatID, messageID string, resp *sdk.Response) error {
	text := clip(resp.Text)
	edit := &discordgo.MessageEdit{
		Channel: chatID,
		ID:      messageID,
		Content: &text,
	}
	if rows := buttonRows(adapter.ParseKeyboard(resp.Options)); rows != nil {
		edit.Components = &rows
	}
	_, err := a.session.ChannelMessageEditComplex(edit)
	return err
}

// Delete implements adapter.Transport.
func (a *Adapter) Delete(_ context.Context, chatID, messageID string) error {
	return a.session.ChannelMessageDelete(chatID, messageID)
}

func (a *Adapter) publishStatus(status, detail string) {
	if a.events == nil {
		return
	}
	a.events.Broadcast(bus.Event{Name: bus.EventChannel, Payload: bus.ChannelPayload{
		Platform: platform, Status: status, Detail: detail,
	}})
}

// buttonRows maps keyboard rows onto Discord component rows. Callback
// buttons keep the routed "svc:<id>|<payload>" tag as their CustomID.
func buttonRows(rows [][]adapter.KeyboardButton) []discordgo.MessageComponent {
	if len(rows) == 0 {
		return nil
	}
	out := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		line := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			btn := discordgo.Button{Label: b.Text}
			if b.URL != "" {
				btn.Style = discordgo.LinkButton
				btn.URL = b.URL
			} else {
				btn.Style = discordgo.PrimaryButton
				btn.CustomID = b.CallbackData
			}
			line = append(line, btn)
		}
		out = append(out, discordgo.ActionsRow{Components: line})
	}
	return out
}

func formatLocation(resp *sdk.Response) string {
	link := fmt.Sprintf("https://www.openstreetmap.org/?mlat=%f&mlon=%f", resp.Lat, resp.Lng)
	if resp.Title != "" {
		parts := []string{resp.Title}
		if resp.Address != "" {
			parts = append(parts, resp.Address)
		}
		parts = append(parts, link)
		return strings.Join(parts, "\n")
	}
	return link
}

func clip(s string) string {
	if len(s) <= maxContentLen {
		return s
	}
	return adapter.Truncate(s, maxContentLen-1)
}
