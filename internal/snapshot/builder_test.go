package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

func testService(id, kind, command string) string {
	cmd := ""
	if command != "" {
		cmd = fmt.Sprintf(", command = %q", command)
	}
	return fmt.Sprintf(`
hivebot.service{ id = %q, version = "1.0.0", kind = %q%s }
hivebot.on_command(function(ev, ctx) return hivebot.reply("from %s") end)
hivebot.on_message(function(ev, ctx) return hivebot.none() end)
`, id, kind, cmd, id)
}

type fixture struct {
	store   *store.Store
	builder *Builder
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.InitDB(store.MemoryPath, "")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	root := t.TempDir()
	return &fixture{store: st, builder: NewBuilder(st, root, nil), root: root}
}

func (f *fixture) writeSource(t *testing.T, entry, source string) {
	t.Helper()
	path := filepath.Join(f.root, entry)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) setConfig(t *testing.T, chatID string, doc Document) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	hash := HashContent(string(raw))
	if err := f.store.SetChatConfig(context.Background(), chatID, doc.ConfigID, string(raw), hash); err != nil {
		t.Fatal(err)
	}
	return hash
}

func TestBuildEmptyForUnconfiguredChat(t *testing.T) {
	f := newFixture(t)
	snap, err := f.builder.Build(context.Background(), "nochat", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(snap.Commands) != 0 || len(snap.Listeners) != 0 {
		t.Errorf("empty chat routed something: %+v", snap)
	}
}

func TestBuildAndCache(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, "hello.lua", testService("hello", sdk.KindSingleCommand, "hello"))
	hash := f.setConfig(t, "1", Document{ConfigID: "cfg-1", Services: []ServiceDecl{
		{ServiceID: "hello", Kind: sdk.KindSingleCommand, Command: "hello", Entry: "hello.lua"},
	}})

	snap, err := f.builder.Build(context.Background(), "1", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	route, ok := snap.Commands["hello"]
	if !ok {
		t.Fatalf("command missing: %v", snap.Commands)
	}
	if route.ServiceID != "hello" || route.BundleHash == "" {
		t.Errorf("route = %+v", route)
	}
	if snap.ConfigHash != hash {
		t.Errorf("configHash = %s, want %s", snap.ConfigHash, hash)
	}
	if !snap.VerifyIntegrity() {
		t.Error("integrity check failed on fresh build")
	}

	// Bundle persisted and loadable.
	b, err := f.store.GetServiceBundle(context.Background(), route.BundleHash)
	if err != nil || b == nil {
		t.Fatalf("bundle lookup: %v %v", b, err)
	}
	text, err := sdk.DecodeDataURI(b.DataURL)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if HashContent(text) != route.BundleHash {
		t.Error("bundle hash does not match decoded content")
	}

	// Second build is a cache hit with identical content.
	again, err := f.builder.Build(context.Background(), "1", false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if again.BuiltAt != snap.BuiltAt || again.Integrity != snap.Integrity {
		t.Error("cached build differs from original")
	}
}

func TestBuildDeterminism(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, "a.lua", testService("svc-a", sdk.KindSingleCommand, "a"))
	f.writeSource(t, "b.lua", testService("svc-b", sdk.KindListener, ""))
	doc := Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "svc-a", Kind: sdk.KindSingleCommand, Command: "a", Entry: "a.lua"},
		{ServiceID: "svc-b", Kind: sdk.KindListener, Entry: "b.lua"},
	}}
	f.setConfig(t, "1", doc)
	f.setConfig(t, "2", doc)

	s1, err := f.builder.Build(context.Background(), "1", true)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := f.builder.Build(context.Background(), "2", true)
	if err != nil {
		t.Fatal(err)
	}
	if s1.ConfigHash != s2.ConfigHash || s1.SourceSig != s2.SourceSig || s1.Integrity != s2.Integrity {
		t.Errorf("same config built differently:\n%+v\n%+v", s1, s2)
	}
}

func TestDuplicateCommandFirstWins(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, "one.lua", testService("one", sdk.KindSingleCommand, "go"))
	f.writeSource(t, "two.lua", testService("two", sdk.KindSingleCommand, "go"))
	f.setConfig(t, "1", Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "one", Kind: sdk.KindSingleCommand, Command: "go", Entry: "one.lua"},
		{ServiceID: "two", Kind: sdk.KindSingleCommand, Command: "go", Entry: "two.lua"},
	}})

	snap, err := f.builder.Build(context.Background(), "1", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if snap.Commands["go"].ServiceID != "one" {
		t.Errorf("winner = %s, want first declaration", snap.Commands["go"].ServiceID)
	}
	if len(snap.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v", snap.Diagnostics)
	}
	if !strings.Contains(snap.Diagnostics[0], ErrDuplicateCommand.Error()) {
		t.Errorf("diagnostic %q not tagged with %v", snap.Diagnostics[0], ErrDuplicateCommand)
	}
}

func TestListenersKeepDeclarationOrder(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"l1", "l2", "l3"} {
		f.writeSource(t, id+".lua", testService(id, sdk.KindListener, ""))
	}
	f.setConfig(t, "1", Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "l2", Kind: sdk.KindListener, Entry: "l2.lua"},
		{ServiceID: "l1", Kind: sdk.KindListener, Entry: "l1.lua"},
		{ServiceID: "l3", Kind: sdk.KindListener, Entry: "l3.lua"},
	}})

	snap, err := f.builder.Build(context.Background(), "1", false)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range snap.Listeners {
		got = append(got, r.ServiceID)
	}
	want := []string{"l2", "l1", "l3"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("listener order = %v, want %v", got, want)
		}
	}
}

func TestManifestMismatchFailsBuildKeepingPriorSnapshot(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, "good.lua", testService("good", sdk.KindSingleCommand, "good"))
	hash1 := f.setConfig(t, "1", Document{ConfigID: "v1", Services: []ServiceDecl{
		{ServiceID: "good", Kind: sdk.KindSingleCommand, Command: "good", Entry: "good.lua"},
	}})
	if _, err := f.builder.Build(context.Background(), "1", false); err != nil {
		t.Fatal(err)
	}

	// New config points at a bundle whose declared id disagrees.
	f.writeSource(t, "liar.lua", testService("other-id", sdk.KindSingleCommand, "liar"))
	f.setConfig(t, "1", Document{ConfigID: "v2", Services: []ServiceDecl{
		{ServiceID: "liar", Kind: sdk.KindSingleCommand, Command: "liar", Entry: "liar.lua"},
	}})

	_, err := f.builder.Build(context.Background(), "1", false)
	if !errors.Is(err, ErrManifestInvalid) {
		t.Fatalf("err = %v, want manifest invalid", err)
	}

	// The v1 snapshot row is untouched.
	rec, err := f.store.LoadSnapshot(context.Background(), hash1)
	if err != nil || rec == nil {
		t.Fatalf("prior snapshot gone: %v %v", rec, err)
	}
}

func TestMissingSourceFailsBuild(t *testing.T) {
	f := newFixture(t)
	f.setConfig(t, "1", Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "ghost", Kind: sdk.KindSingleCommand, Command: "g", Entry: "ghost.lua"},
	}})
	_, err := f.builder.Build(context.Background(), "1", false)
	if !errors.Is(err, ErrSourceIO) {
		t.Fatalf("err = %v, want source io", err)
	}
}

func TestEntryPathMayNotEscapeRoot(t *testing.T) {
	f := newFixture(t)
	f.setConfig(t, "1", Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "esc", Kind: sdk.KindSingleCommand, Command: "e", Entry: "../../etc/passwd"},
	}})
	_, err := f.builder.Build(context.Background(), "1", false)
	if !errors.Is(err, ErrSourceIO) {
		t.Fatalf("err = %v, want source io", err)
	}
}

func TestGCOrphanBundles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeSource(t, "live.lua", testService("live", sdk.KindSingleCommand, "live"))
	f.setConfig(t, "1", Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "live", Kind: sdk.KindSingleCommand, Command: "live", Entry: "live.lua"},
	}})
	snap, err := f.builder.Build(ctx, "1", false)
	if err != nil {
		t.Fatal(err)
	}

	// An orphan with no referencing snapshot.
	orphan := store.BundleRecord{BundleHash: "deadbeef", ServiceID: "old", Version: "0.0.1", DataURL: sdk.EncodeDataURI("x")}
	if err := f.store.SaveServiceBundle(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	res, err := f.builder.GCOrphanBundles(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != "deadbeef" {
		t.Errorf("deleted = %v", res.Deleted)
	}

	// Every bundle a live snapshot references still exists.
	for h := range snap.BundleHashes() {
		b, err := f.store.GetServiceBundle(ctx, h)
		if err != nil || b == nil {
			t.Errorf("live bundle %s collected", h)
		}
	}
}

func TestGCAbortsOnUndecodableSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A bundle with no decodable referent must survive: the corrupt row
	// could be the one pointing at it.
	held := store.BundleRecord{BundleHash: "feedface", ServiceID: "svc", Version: "1.0.0", DataURL: sdk.EncodeDataURI("x")}
	if err := f.store.SaveServiceBundle(ctx, held); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveSnapshot(ctx, "cfg-corrupt", `{"commands":{"x":`); err != nil {
		t.Fatal(err)
	}

	if _, err := f.builder.GCOrphanBundles(ctx); err == nil {
		t.Fatal("gc succeeded over an undecodable snapshot row")
	}
	b, err := f.store.GetServiceBundle(ctx, "feedface")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil {
		t.Error("bundle collected while a snapshot row was undecodable")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, "svc.lua", testService("svc", sdk.KindSingleCommand, "svc"))
	f.setConfig(t, "1", Document{ConfigID: "cfg", Services: []ServiceDecl{
		{ServiceID: "svc", Kind: sdk.KindSingleCommand, Command: "svc", Entry: "svc.lua",
			Config: json.RawMessage(`{"greeting":"hi"}`), Net: []string{"api.example.com"}},
	}})
	snap, err := f.builder.Build(context.Background(), "1", false)
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Integrity != snap.Integrity || !decoded.VerifyIntegrity() {
		t.Error("integrity lost in round trip")
	}
	r := decoded.Commands["svc"]
	if string(r.Config) != `{"greeting":"hi"}` || len(r.Net) != 1 {
		t.Errorf("route lost fields: %+v", r)
	}
}

