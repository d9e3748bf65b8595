package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/flowstate"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

const gatewayTestService = `
hivebot.service{ id = "hello", version = "1.0.0", kind = "single_command", command = "hello" }
hivebot.on_command(function(ev, ctx) return hivebot.reply("hi") end)
`

type fixture struct {
	server *Server
	ts     *httptest.Server
	events *bus.Bus
	root   string
}

func newFixture(t *testing.T, cfg config.GatewayConfig) *fixture {
	t.Helper()
	st, err := store.InitDB(store.MemoryPath, "")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	events := bus.New()
	builder := snapshot.NewBuilder(st, root, events)
	s := NewServer(cfg, events, st, builder, flowstate.New(), "test")
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return &fixture{server: s, ts: ts, events: events, root: root}
}

func (f *fixture) put(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "secret"})
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "secret"})

	resp, err := http.Get(f.ts.URL + "/v1/chats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token = %d, want 200", resp.StatusCode)
	}
}

func TestConfigAndSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	if err := os.WriteFile(filepath.Join(f.root, "hello.lua"), []byte(gatewayTestService), 0644); err != nil {
		t.Fatal(err)
	}

	doc := `{"configId":"cfg-1","services":[{"serviceId":"hello","kind":"single_command","command":"hello","entry":"hello.lua"}]}`
	resp := f.put(t, "/v1/chats/42/config", "", doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set config = %d", resp.StatusCode)
	}
	resp.Body.Close()

	got, err := http.Get(f.ts.URL + "/v1/chats/42/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("snapshot = %d", got.StatusCode)
	}
	var snap snapshot.Snapshot
	if err := json.NewDecoder(got.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if _, ok := snap.Commands["hello"]; !ok {
		t.Errorf("snapshot commands = %v", snap.Commands)
	}
	if snap.SDKSchemaVersion != sdk.SchemaVersion {
		t.Errorf("schema version = %d", snap.SDKSchemaVersion)
	}
}

func TestSnapshotForUnknownChatIsEmpty(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	got, err := http.Get(f.ts.URL + "/v1/chats/999/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	var snap snapshot.Snapshot
	if err := json.NewDecoder(got.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Commands) != 0 || len(snap.Listeners) != 0 {
		t.Errorf("unconfigured chat routed: %+v", snap)
	}
}

func TestGCEndpoint(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	resp, err := http.Post(f.ts.URL+"/v1/gc", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gc = %d", resp.StatusCode)
	}
	var res snapshot.GCResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Deleted == nil || res.Kept == nil {
		t.Errorf("gc result = %+v", res)
	}
}

func TestWebSocketStreamsBusEvents(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "secret"})

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscription registration races the dial return; give it a beat.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.events.Broadcast(bus.Event{Name: bus.EventHealth, Payload: map[string]string{"status": "ok"}})
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var got bus.Event
		if err := conn.ReadJSON(&got); err == nil {
			if got.Name != bus.EventHealth {
				t.Errorf("event = %+v", got)
			}
			return
		}
	}
	t.Fatal("no event received over websocket")
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{Token: "secret"})
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded with bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("budget consumed too early")
	}
	if rl.Allow("a") {
		t.Error("third request allowed")
	}
	if !rl.Allow("b") {
		t.Error("independent key throttled")
	}

	off := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !off.Allow("x") {
			t.Fatal("disabled limiter throttled")
		}
	}
}
