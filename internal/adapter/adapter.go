// Package adapter holds the platform-neutral half of the chat adapters: the
// response application logic shared by telegram and discord. Each platform
// implements Transport; Applier drives it from a service response, handling
// deleteTrigger, ttl retention, and replacement/cleanup groups.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/hivebot/internal/reaper"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// Inbound is the platform context of the triggering event: where the event
// came from and which message carried it. MessageID is the edit target for
// callback-born edits and the deletion target for deleteTrigger.
type Inbound struct {
	ChatID    string
	UserID    string
	MessageID string
}

// Transport is the minimal platform surface Applier drives. Send returns the
// platform id of the new message ("" when the kind produced none, e.g. a
// callback acknowledgement).
type Transport interface {
	Send(ctx context.Context, chatID string, resp *sdk.Response) (messageID string, err error)
	Edit(ctx context.Context, chatID, messageID string, resp *sdk.Response) error
	Delete(ctx context.Context, chatID, messageID string) error
}

// responseOptions is the slice of resp.Options the applier itself consumes;
// everything else passes through to the platform transport untouched.
type responseOptions struct {
	ReplaceGroup string `json:"replaceGroup,omitempty"`
	CleanupGroup string `json:"cleanupGroup,omitempty"`
}

type groupKey struct {
	chatID string
	group  string
}

// Applier applies service responses through one platform transport. One
// applier per platform; the group map is keyed by chat so groups never leak
// across platforms.
type Applier struct {
	platform   string
	transport  Transport
	reaper     *reaper.Reaper
	defaultTTL int64

	mu     sync.Mutex
	groups map[groupKey]string // last message id per (chat, group)
}

// NewApplier wires an applier. reaper may be nil when retention is off.
func NewApplier(platform string, transport Transport, r *reaper.Reaper, defaultTTLSeconds int64) *Applier {
	return &Applier{
		platform:   platform,
		transport:  transport,
		reaper:     r,
		defaultTTL: defaultTTLSeconds,
		groups:     make(map[groupKey]string),
	}
}

// Apply performs the platform calls one response asks for. Ordering when a
// response combines directives: replaceGroup deletion first, then the send,
// then the new id is recorded; deleteTrigger removes the inbound message;
// ttl schedules the outbound one.
func (a *Applier) Apply(ctx context.Context, in Inbound, resp *sdk.Response) error {
	if resp == nil {
		return nil
	}

	var opts responseOptions
	if len(resp.Options) > 0 {
		if err := json.Unmarshal(resp.Options, &opts); err != nil {
			slog.Warn("unparseable response options ignored", "platform", a.platform, "error", err)
		}
	}

	if opts.CleanupGroup != "" {
		a.deleteGroupMessage(ctx, in.ChatID, opts.CleanupGroup)
	}
	if opts.ReplaceGroup != "" {
		a.deleteGroupMessage(ctx, in.ChatID, opts.ReplaceGroup)
	}

	var newID string
	var err error
	switch resp.Kind {
	case sdk.RespNone:
		// Nothing to emit; deleteTrigger below still applies.
	case sdk.RespEdit:
		if in.MessageID == "" {
			// No message to edit outside a callback; degrade to a send.
			newID, err = a.transport.Send(ctx, in.ChatID, resp)
		} else {
			err = a.transport.Edit(ctx, in.ChatID, in.MessageID, resp)
		}
	case sdk.RespDelete:
		if delErr := a.transport.Delete(ctx, in.ChatID, in.MessageID); delErr != nil {
			slog.Warn("delete failed, sending fallback", "platform", a.platform, "error", delErr)
			if resp.FallbackText != "" {
				fallback := &sdk.Response{Kind: sdk.RespReply, Text: resp.FallbackText}
				newID, err = a.transport.Send(ctx, in.ChatID, fallback)
			}
		}
	case sdk.RespPubkyWrite:
		// The write itself is deferred to the approval workflow; the user
		// sees the preview.
		if resp.Preview != "" {
			preview := &sdk.Response{Kind: sdk.RespReply, Text: resp.Preview, Options: resp.Options}
			newID, err = a.transport.Send(ctx, in.ChatID, preview)
		}
	default:
		newID, err = a.transport.Send(ctx, in.ChatID, resp)
	}
	if err != nil {
		return fmt.Errorf("apply %s response: %w", resp.Kind, err)
	}

	if newID != "" {
		if opts.ReplaceGroup != "" {
			a.recordGroupMessage(in.ChatID, opts.ReplaceGroup, newID)
		}
		a.trackTTL(in.ChatID, newID, resp.TTL)
	}

	if resp.DeleteTrigger && in.MessageID != "" {
		if err := a.transport.Delete(ctx, in.ChatID, in.MessageID); err != nil {
			slog.Warn("trigger deletion failed", "platform", a.platform, "chat_id", in.ChatID, "error", err)
		}
	}
	return nil
}

func (a *Applier) deleteGroupMessage(ctx context.Context, chatID, group string) {
	a.mu.Lock()
	key := groupKey{chatID, group}
	prior, ok := a.groups[key]
	delete(a.groups, key)
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := a.transport.Delete(ctx, chatID, prior); err != nil {
		slog.Warn("group message deletion failed",
			"platform", a.platform, "chat_id", chatID, "group", group, "error", err)
	}
}

func (a *Applier) recordGroupMessage(chatID, group, messageID string) {
	a.mu.Lock()
	a.groups[groupKey{chatID, group}] = messageID
	a.mu.Unlock()
}

func (a *Applier) trackTTL(chatID, messageID string, ttl int64) {
	if a.reaper == nil {
		return
	}
	if ttl == 0 {
		ttl = a.defaultTTL
	}
	if ttl <= 0 {
		return
	}
	if err := a.reaper.TrackMessage(a.platform, chatID, messageID, ttl); err != nil {
		slog.Warn("ttl tracking failed", "platform", a.platform, "chat_id", chatID, "error", err)
	}
}

// Truncate trims s to a display width, appending an ellipsis when it cut.
func Truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}

// KeyboardMarkup is the conventional options shape carrying an inline
// keyboard, as produced by the service runtime's markup helper.
type KeyboardMarkup struct {
	ReplyMarkup struct {
		InlineKeyboard [][]KeyboardButton `json:"inline_keyboard"`
	} `json:"reply_markup"`
}

// KeyboardButton is one inline button. CallbackData carries the routed
// "svc:<serviceId>|<payload>" tag; URL buttons carry URL instead.
type KeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// ParseKeyboard extracts an inline keyboard from response options, returning
// nil rows when the options carry none.
func ParseKeyboard(options json.RawMessage) [][]KeyboardButton {
	if len(options) == 0 {
		return nil
	}
	var m KeyboardMarkup
	if err := json.Unmarshal(options, &m); err != nil {
		return nil
	}
	if len(m.ReplyMarkup.InlineKeyboard) == 0 {
		return nil
	}
	return m.ReplyMarkup.InlineKeyboard
}
