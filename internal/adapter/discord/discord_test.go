package discord

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/hivebot/internal/adapter"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

func TestButtonRows(t *testing.T) {
	rows := adapter.ParseKeyboard(json.RawMessage(
		`{"reply_markup":{"inline_keyboard":[[{"text":"Go","callback_data":"svc:kbd|go"}],[{"text":"Docs","url":"https://example.com"}]]}}`))
	comps := buttonRows(rows)
	if len(comps) != 2 {
		t.Fatalf("components = %+v", comps)
	}

	row, ok := comps[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 1 {
		t.Fatalf("row 0 = %+v", comps[0])
	}
	btn := row.Components[0].(discordgo.Button)
	if btn.CustomID != "svc:kbd|go" || btn.Style != discordgo.PrimaryButton {
		t.Errorf("callback button = %+v", btn)
	}

	row = comps[1].(discordgo.ActionsRow)
	btn = row.Components[0].(discordgo.Button)
	if btn.URL != "https://example.com" || btn.Style != discordgo.LinkButton || btn.CustomID != "" {
		t.Errorf("link button = %+v", btn)
	}

	if buttonRows(nil) != nil {
		t.Error("empty rows produced components")
	}
}

func TestFormatLocation(t *testing.T) {
	got := formatLocation(&sdk.Response{Kind: sdk.RespLocation, Lat: 52.52, Lng: 13.405, Title: "Office", Address: "Berlin"})
	if !strings.HasPrefix(got, "Office\nBerlin\n") || !strings.Contains(got, "openstreetmap.org") {
		t.Errorf("formatLocation = %q", got)
	}
	bare := formatLocation(&sdk.Response{Kind: sdk.RespLocation, Lat: 1, Lng: 2})
	if !strings.HasPrefix(bare, "https://") {
		t.Errorf("bare location = %q", bare)
	}
}

func TestClip(t *testing.T) {
	long := strings.Repeat("a", maxContentLen+100)
	if got := clip(long); utf8.RuneCountInString(got) > maxContentLen {
		t.Errorf("clip left %d chars", utf8.RuneCountInString(got))
	}
	if got := clip("short"); got != "short" {
		t.Errorf("clip = %q", got)
	}
}
