package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hivebot/internal/flowstate"
	"github.com/nextlevelbuilder/hivebot/internal/sandbox"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

const helloService = `
hivebot.service{ id = "hello", version = "1.0.0", kind = "single_command", command = "hello" }
hivebot.on_command(function(ev, ctx)
  return hivebot.reply("Hello!")
end)
`

const surveyService = `
hivebot.service{ id = "survey", version = "1.0.0", kind = "command_flow", command = "survey" }
hivebot.on_command(function(ev, ctx)
  return hivebot.with_state(hivebot.reply("What's your name?"), hivebot.state_replace({ step = "name" }))
end)
hivebot.on_message(function(ev, ctx)
  if ev.state and ev.state.step == "name" then
    return hivebot.with_state(hivebot.reply("Hello, " .. ev.message .. "!"), hivebot.state_clear())
  end
  return hivebot.none()
end)
`

const keyboardService = `
hivebot.service{ id = "kbd", version = "1.0.0", kind = "single_command", command = "menu" }
hivebot.on_command(function(ev, ctx)
  return hivebot.reply("pick one", hivebot.markup({ { hivebot.button("One", "btn:one") } }))
end)
hivebot.on_callback(function(ev, ctx)
  return hivebot.edit("you picked " .. ev.data)
end)
`

const echoListener = `
hivebot.service{ id = "echo", version = "1.0.0", kind = "listener" }
hivebot.on_message(function(ev, ctx)
  if string.find(ev.message, "ping", 1, true) then
    return hivebot.reply("pong")
  end
  return hivebot.none()
end)
`

const spinService = `
hivebot.service{ id = "spin", version = "1.0.0", kind = "single_command", command = "spin" }
hivebot.on_command(function(ev, ctx)
  while true do end
end)
`

type fixture struct {
	store      *store.Store
	flows      *flowstate.Store
	dispatcher *Dispatcher
	root       string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.InitDB(store.MemoryPath, "")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	builder := snapshot.NewBuilder(st, root, nil)
	flows := flowstate.New()
	if cfg.SandboxTimeout == 0 {
		cfg.SandboxTimeout = 2 * time.Second
	}
	d := New(st, builder, sandbox.NewInProc(), flows, nil, cfg)
	return &fixture{store: st, flows: flows, dispatcher: d, root: root}
}

type testDecl struct {
	decl   snapshot.ServiceDecl
	source string
}

func svc(id, kind, command, entry, source string) testDecl {
	return testDecl{
		decl:   snapshot.ServiceDecl{ServiceID: id, Kind: kind, Command: command, Entry: entry},
		source: source,
	}
}

func (f *fixture) installSources(t *testing.T, chatID string, services ...testDecl) {
	t.Helper()
	doc := snapshot.Document{ConfigID: "test-config"}
	for _, s := range services {
		path := filepath.Join(f.root, s.decl.Entry)
		if err := os.WriteFile(path, []byte(s.source), 0644); err != nil {
			t.Fatal(err)
		}
		doc.Services = append(doc.Services, s.decl)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	hash := snapshot.HashContent(string(raw))
	if err := f.store.SetChatConfig(context.Background(), chatID, doc.ConfigID, string(raw), hash); err != nil {
		t.Fatal(err)
	}
}

func TestCommandRoutesToService(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("hello", sdk.KindSingleCommand, "hello", "hello.lua", helloService))

	resp, err := f.dispatcher.Dispatch(context.Background(), Event{
		Kind: KindCommand, Command: "/hello@somebot", ChatID: "1", UserID: "u1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp == nil || resp.Kind != sdk.RespReply || resp.Text != "Hello!" {
		t.Errorf("resp = %+v, want reply Hello!", resp)
	}
}

func TestUnknownCommandRoutesNowhere(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("hello", sdk.KindSingleCommand, "hello", "hello.lua", helloService))

	resp, err := f.dispatcher.Dispatch(context.Background(), Event{
		Kind: KindCommand, Command: "/nosuch", ChatID: "1", UserID: "u1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp != nil {
		t.Errorf("unknown command produced %+v, want nil", resp)
	}
}

func TestTwoStepFlow(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("survey", sdk.KindCommandFlow, "survey", "survey.lua", surveyService))
	ctx := context.Background()

	resp, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindCommand, Command: "/survey", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Text != "What's your name?" {
		t.Fatalf("step 1 = %+v", resp)
	}
	if _, ok := f.flows.GetActiveFlow("1", "u1"); !ok {
		t.Fatal("command did not open an active flow")
	}

	resp, err = f.dispatcher.Dispatch(ctx, Event{Kind: KindMessage, Message: "Alice", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Text != "Hello, Alice!" {
		t.Fatalf("step 2 = %+v", resp)
	}

	// The clear directive ended the flow and dropped the state.
	if _, ok := f.flows.GetActiveFlow("1", "u1"); ok {
		t.Error("flow still active after clear")
	}
	if rec := f.flows.GetServiceState(flowstate.Key{ChatID: "1", UserID: "u1", ServiceID: "survey"}); rec != nil {
		t.Errorf("state survived clear: %+v", rec)
	}

	// The next free message is no longer claimed.
	resp, err = f.dispatcher.Dispatch(ctx, Event{Kind: KindMessage, Message: "Bob", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Errorf("message after flow end produced %+v, want nil", resp)
	}
}

func TestCallbackRoutesByServiceTag(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("kbd", sdk.KindSingleCommand, "menu", "kbd.lua", keyboardService))
	ctx := context.Background()

	resp, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindCommand, Command: "/menu", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Kind != sdk.RespReply {
		t.Fatalf("menu = %+v", resp)
	}
	var markup struct {
		ReplyMarkup struct {
			InlineKeyboard [][]struct {
				Text         string `json:"text"`
				CallbackData string `json:"callback_data"`
			} `json:"inline_keyboard"`
		} `json:"reply_markup"`
	}
	if err := json.Unmarshal(resp.Options, &markup); err != nil {
		t.Fatalf("options: %v", err)
	}
	data := markup.ReplyMarkup.InlineKeyboard[0][0].CallbackData
	if data != "svc:kbd|btn:one" {
		t.Fatalf("callback data = %q", data)
	}

	resp, err = f.dispatcher.Dispatch(ctx, Event{Kind: KindCallback, Data: data, ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Kind != sdk.RespEdit || resp.Text != "you picked btn:one" {
		t.Errorf("callback = %+v, want edit", resp)
	}
}

func TestUnroutedCallbackIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("hello", sdk.KindSingleCommand, "hello", "hello.lua", helloService))

	for _, data := range []string{"plain-data", "svc:", "svc:ghost|x"} {
		resp, err := f.dispatcher.Dispatch(context.Background(), Event{
			Kind: KindCallback, Data: data, ChatID: "1", UserID: "u1",
		})
		if err != nil {
			t.Fatalf("%q: %v", data, err)
		}
		if resp != nil {
			t.Errorf("%q routed to %+v, want nil", data, resp)
		}
	}
}

func TestListenerFanOutFirstNonNoneWins(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("echo", sdk.KindListener, "", "echo.lua", echoListener))
	ctx := context.Background()

	resp, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindMessage, Message: "ping please", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Text != "pong" {
		t.Errorf("listener hit = %+v", resp)
	}

	resp, err = f.dispatcher.Dispatch(ctx, Event{Kind: KindMessage, Message: "nothing here", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Errorf("all-none fan-out produced %+v, want nil", resp)
	}
}

const tallyListener = `
hivebot.service{ id = "tally", version = "1.0.0", kind = "listener" }
hivebot.on_message(function(ev, ctx)
  return hivebot.with_state(hivebot.none(), hivebot.state_replace({ seen = true }))
end)
`

func TestAllListenersRunOnFanOut(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("echo", sdk.KindListener, "", "echo.lua", echoListener),
		svc("tally", sdk.KindListener, "", "tally.lua", tallyListener))
	ctx := context.Background()

	resp, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindMessage, Message: "ping", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	// The first listener's reply wins, but the second still ran and its
	// state directive took effect.
	if resp == nil || resp.Text != "pong" {
		t.Errorf("winner = %+v, want pong", resp)
	}
	rec := f.flows.GetServiceState(flowstate.Key{ChatID: "1", UserID: "u1", ServiceID: "tally"})
	if rec == nil {
		t.Fatal("listener after the winner did not run")
	}
	if seen, _ := rec.Value["seen"].(bool); !seen {
		t.Errorf("tally state = %+v, want seen=true", rec.Value)
	}
}

func TestActiveFlowClaimsBeforeListeners(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("survey", sdk.KindCommandFlow, "survey", "survey.lua", surveyService),
		svc("echo", sdk.KindListener, "", "echo.lua", echoListener))
	ctx := context.Background()

	if _, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindCommand, Command: "/survey", ChatID: "1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	// "ping" would match the listener, but the flow owns this user's messages.
	resp, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindMessage, Message: "ping", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Text != "Hello, ping!" {
		t.Errorf("flow did not claim message: %+v", resp)
	}
}

func TestSandboxTimeoutYieldsErrorResponse(t *testing.T) {
	f := newFixture(t, Config{SandboxTimeout: 100 * time.Millisecond})
	f.installSources(t, "1",
		svc("spin", sdk.KindSingleCommand, "spin", "spin.lua", spinService))

	resp, err := f.dispatcher.Dispatch(context.Background(), Event{
		Kind: KindCommand, Command: "/spin", ChatID: "1", UserID: "u1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp == nil || resp.Kind != sdk.RespError || resp.Message != "timeout" {
		t.Errorf("resp = %+v, want error timeout", resp)
	}
	if len(f.flows.Dump()) != 0 {
		t.Error("failed invocation mutated flow state")
	}
}

func TestMissingBundleYieldsErrorResponse(t *testing.T) {
	f := newFixture(t, Config{})
	f.installSources(t, "1",
		svc("hello", sdk.KindSingleCommand, "hello", "hello.lua", helloService))
	ctx := context.Background()

	// Build once, then pull the bundle out from under the snapshot.
	if _, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindCommand, Command: "/hello", ChatID: "1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	hashes, err := f.store.ListAllBundleHashes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hashes {
		if err := f.store.DeleteServiceBundle(ctx, h); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := f.dispatcher.Dispatch(ctx, Event{Kind: KindCommand, Command: "/hello", ChatID: "1", UserID: "u1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp == nil || resp.Kind != sdk.RespError {
		t.Errorf("resp = %+v, want synthetic error", resp)
	}
}

func TestPerChatRateLimit(t *testing.T) {
	f := newFixture(t, Config{RatePerMinute: 1, Burst: 2})
	f.installSources(t, "1",
		svc("hello", sdk.KindSingleCommand, "hello", "hello.lua", helloService))
	f.installSources(t, "2",
		svc("hello", sdk.KindSingleCommand, "hello", "hello.lua", helloService))
	ctx := context.Background()
	ev := Event{Kind: KindCommand, Command: "/hello", ChatID: "1", UserID: "u1"}

	for i := 0; i < 2; i++ {
		resp, err := f.dispatcher.Dispatch(ctx, ev)
		if err != nil || resp == nil {
			t.Fatalf("event %d within burst dropped: %+v %v", i, resp, err)
		}
	}
	resp, err := f.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Errorf("over-budget event produced %+v, want drop", resp)
	}

	// Another chat has its own bucket.
	resp, err = f.dispatcher.Dispatch(ctx, Event{Kind: KindCommand, Command: "/hello", ChatID: "2", UserID: "u1"})
	if err != nil || resp == nil {
		t.Errorf("chat 2 throttled by chat 1: %+v %v", resp, err)
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := map[string]string{
		"/start":           "start",
		"/Start@HiveBot":   "start",
		"hello":            "hello",
		"/weather Berlin":  "weather",
		" /ping ":          "ping",
		"/UPPER@bot extra": "upper",
	}
	for in, want := range cases {
		if got := NormalizeToken(in); got != want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitCallbackData(t *testing.T) {
	if id, payload, ok := SplitCallbackData("svc:kbd|btn:one|extra"); !ok || id != "kbd" || payload != "btn:one|extra" {
		t.Errorf("got %q %q %v", id, payload, ok)
	}
	for _, bad := range []string{"", "kbd|x", "svc:", "svc:|x", "svc:kbd"} {
		if _, _, ok := SplitCallbackData(bad); ok {
			t.Errorf("%q parsed, want reject", bad)
		}
	}
}
