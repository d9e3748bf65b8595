package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/hivebot/internal/reaper"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

type call struct {
	op        string // "send", "edit", "delete"
	chatID    string
	messageID string
	text      string
}

type fakeTransport struct {
	calls   []call
	nextID  int
	failDel bool
}

func (f *fakeTransport) Send(_ context.Context, chatID string, resp *sdk.Response) (string, error) {
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.calls = append(f.calls, call{op: "send", chatID: chatID, messageID: id, text: resp.Text})
	return id, nil
}

func (f *fakeTransport) Edit(_ context.Context, chatID, messageID string, resp *sdk.Response) error {
	f.calls = append(f.calls, call{op: "edit", chatID: chatID, messageID: messageID, text: resp.Text})
	return nil
}

func (f *fakeTransport) Delete(_ context.Context, chatID, messageID string) error {
	if f.failDel {
		return errors.New("message already gone")
	}
	f.calls = append(f.calls, call{op: "delete", chatID: chatID, messageID: messageID})
	return nil
}

func TestApplyReplySends(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	err := a.Apply(context.Background(), Inbound{ChatID: "1", MessageID: "in1"}, &sdk.Response{Kind: sdk.RespReply, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 1 || tr.calls[0].op != "send" || tr.calls[0].text != "hi" {
		t.Errorf("calls = %+v", tr.calls)
	}
}

func TestApplyNoneEmitsNothing(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	if err := a.Apply(context.Background(), Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespNone}); err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("none produced calls: %+v", tr.calls)
	}
}

func TestApplyEditTargetsInbound(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	err := a.Apply(context.Background(), Inbound{ChatID: "1", MessageID: "kb7"}, &sdk.Response{Kind: sdk.RespEdit, Text: "updated"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 1 || tr.calls[0].op != "edit" || tr.calls[0].messageID != "kb7" {
		t.Errorf("calls = %+v", tr.calls)
	}
}

func TestApplyEditWithoutTargetDegradesToSend(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	if err := a.Apply(context.Background(), Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespEdit, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 1 || tr.calls[0].op != "send" {
		t.Errorf("calls = %+v", tr.calls)
	}
}

func TestApplyDeleteTrigger(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	err := a.Apply(context.Background(), Inbound{ChatID: "1", MessageID: "in9"},
		&sdk.Response{Kind: sdk.RespReply, Text: "done", DeleteTrigger: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 2 || tr.calls[0].op != "send" || tr.calls[1].op != "delete" || tr.calls[1].messageID != "in9" {
		t.Errorf("calls = %+v", tr.calls)
	}
}

func TestApplyDeleteKindFallsBackOnFailure(t *testing.T) {
	tr := &fakeTransport{failDel: true}
	a := NewApplier("test", tr, nil, 0)
	err := a.Apply(context.Background(), Inbound{ChatID: "1", MessageID: "in3"},
		&sdk.Response{Kind: sdk.RespDelete, FallbackText: "could not delete"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != 1 || tr.calls[0].op != "send" || tr.calls[0].text != "could not delete" {
		t.Errorf("calls = %+v", tr.calls)
	}
}

func TestReplaceGroupDeletesPriorThenRecordsNew(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	opts := json.RawMessage(`{"replaceGroup":"menu"}`)
	ctx := context.Background()

	if err := a.Apply(ctx, Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespReply, Text: "v1", Options: opts}); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(ctx, Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespReply, Text: "v2", Options: opts}); err != nil {
		t.Fatal(err)
	}

	// send v1, then delete v1's id before sending v2.
	want := []string{"send", "delete", "send"}
	if len(tr.calls) != len(want) {
		t.Fatalf("calls = %+v", tr.calls)
	}
	for i, op := range want {
		if tr.calls[i].op != op {
			t.Fatalf("call %d = %+v, want %s", i, tr.calls[i], op)
		}
	}
	if tr.calls[1].messageID != tr.calls[0].messageID {
		t.Errorf("deleted %s, want prior %s", tr.calls[1].messageID, tr.calls[0].messageID)
	}

	// Groups are per chat.
	if err := a.Apply(ctx, Inbound{ChatID: "2"}, &sdk.Response{Kind: sdk.RespReply, Text: "v1", Options: opts}); err != nil {
		t.Fatal(err)
	}
	if tr.calls[len(tr.calls)-1].op != "send" {
		t.Errorf("fresh chat deleted something: %+v", tr.calls)
	}
}

func TestCleanupGroupDeletesWithoutRecording(t *testing.T) {
	tr := &fakeTransport{}
	a := NewApplier("test", tr, nil, 0)
	ctx := context.Background()

	replace := json.RawMessage(`{"replaceGroup":"menu"}`)
	cleanup := json.RawMessage(`{"cleanupGroup":"menu"}`)
	if err := a.Apply(ctx, Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespReply, Text: "menu", Options: replace}); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(ctx, Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespNone, Options: cleanup}); err != nil {
		t.Fatal(err)
	}
	last := tr.calls[len(tr.calls)-1]
	if last.op != "delete" || last.messageID != tr.calls[0].messageID {
		t.Errorf("calls = %+v", tr.calls)
	}

	// The group entry is gone; cleaning again is a no-op.
	n := len(tr.calls)
	if err := a.Apply(ctx, Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespNone, Options: cleanup}); err != nil {
		t.Fatal(err)
	}
	if len(tr.calls) != n {
		t.Errorf("second cleanup acted: %+v", tr.calls[n:])
	}
}

func TestTTLTracksOutboundMessage(t *testing.T) {
	tr := &fakeTransport{}
	r := reaper.New(reaper.NewMemoryKV())
	a := NewApplier("test", tr, r, 0)

	err := a.Apply(context.Background(), Inbound{ChatID: "1"},
		&sdk.Response{Kind: sdk.RespReply, Text: "ephemeral", TTL: 60})
	if err != nil {
		t.Fatal(err)
	}

	n, err := r.CleanupAll(nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("tracked %d messages, want 1", n)
	}
}

func TestDefaultTTLAppliesWhenResponseSetsNone(t *testing.T) {
	tr := &fakeTransport{}
	r := reaper.New(reaper.NewMemoryKV())
	a := NewApplier("test", tr, r, 120)

	if err := a.Apply(context.Background(), Inbound{ChatID: "1"}, &sdk.Response{Kind: sdk.RespReply, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	n, err := r.CleanupAll(nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("tracked %d messages, want 1 via default ttl", n)
	}
}

func TestParseKeyboard(t *testing.T) {
	rows := ParseKeyboard(json.RawMessage(`{"reply_markup":{"inline_keyboard":[[{"text":"One","callback_data":"svc:kbd|one"}]]}}`))
	if len(rows) != 1 || rows[0][0].CallbackData != "svc:kbd|one" {
		t.Errorf("rows = %+v", rows)
	}
	if ParseKeyboard(nil) != nil || ParseKeyboard(json.RawMessage(`{}`)) != nil {
		t.Error("empty options produced a keyboard")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello w…" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
}
