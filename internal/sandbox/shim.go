package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// newVM builds a restricted Lua state: base, table, string, and math only.
// No os, io, debug, or package libraries, so a service cannot read files,
// spawn processes, or load code beyond its own bundle. The few base
// functions that reach the filesystem are stubbed out too.
func newVM(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, fn := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage"} {
		L.SetGlobal(fn, lua.LNil)
	}
	// print goes to stderr; stdout is reserved for the response document.
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				fmt.Fprint(os.Stderr, "\t")
			}
			fmt.Fprint(os.Stderr, L.Get(i).String())
		}
		fmt.Fprintln(os.Stderr)
		return 0
	}))

	L.SetContext(ctx)
	return L
}

// loadBundle executes the bundled module text (SDK prelude + service source)
// and returns the hivebot table the prelude registered.
func loadBundle(L *lua.LState, moduleText string) (*lua.LTable, error) {
	if err := L.DoString(moduleText); err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	root, ok := L.GetGlobal("hivebot").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("load bundle: runtime table missing")
	}
	return root, nil
}

// ProbeManifest loads a bundle in a bare VM (handlers never run) and returns
// the manifest the service declared with hivebot.service{...}.
func ProbeManifest(ctx context.Context, moduleText string) (*sdk.Manifest, error) {
	L := newVM(ctx)
	defer L.Close()

	root, err := loadBundle(L, moduleText)
	if err != nil {
		return nil, err
	}
	def, ok := L.GetField(root, "_service").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("no service registered")
	}

	raw, err := json.Marshal(luaToGo(def))
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	var m sdk.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Execute runs one event through a bundle: loads the module, finds the
// handler registered for the event type, calls it with (event, ctx) tables,
// and converts the returned table into a Response. A handler returning nil
// means none.
func Execute(ctx context.Context, moduleText string, payload *sdk.Payload, net []string) (*sdk.Response, error) {
	L := newVM(ctx)
	defer L.Close()

	root, err := loadBundle(L, moduleText)
	if err != nil {
		return nil, err
	}
	if len(net) > 0 {
		registerHTTPGet(L, root, net)
	}

	handlers, ok := L.GetField(root, "_handlers").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("no handlers registered")
	}
	handler := handlers.RawGetString(payload.Event.Type)
	fn, ok := handler.(*lua.LFunction)
	if !ok {
		// A service without a handler for this event type answers none;
		// listeners commonly register on_message only.
		return &sdk.Response{Kind: sdk.RespNone}, nil
	}

	evTable := eventToLua(L, &payload.Event)
	ctxTable := ctxToLua(L, &payload.Ctx)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, evTable, ctxTable); err != nil {
		return nil, fmt.Errorf("handler %s: %w", payload.Event.Type, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if ret == lua.LNil {
		return &sdk.Response{Kind: sdk.RespNone}, nil
	}
	raw, err := json.Marshal(luaToGo(ret))
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	resp, err := sdk.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func eventToLua(L *lua.LState, ev *sdk.Event) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(ev.Type))
	if ev.Token != "" {
		tbl.RawSetString("token", lua.LString(ev.Token))
	}
	if ev.Data != "" {
		tbl.RawSetString("data", lua.LString(ev.Data))
	}
	if ev.Message != "" {
		tbl.RawSetString("message", lua.LString(ev.Message))
	}
	if ev.State != nil {
		tbl.RawSetString("state", goToLua(L, ev.State))
	}
	if ev.StateVersion != 0 {
		tbl.RawSetString("stateVersion", lua.LNumber(ev.StateVersion))
	}
	return tbl
}

func ctxToLua(L *lua.LState, c *sdk.Ctx) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("chatId", lua.LString(c.ChatID))
	tbl.RawSetString("userId", lua.LString(c.UserID))
	if len(c.ServiceConfig) > 0 {
		tbl.RawSetString("serviceConfig", goToLua(L, c.ServiceConfig))
	}
	if c.RouteMeta != nil {
		meta := L.NewTable()
		meta.RawSetString("id", lua.LString(c.RouteMeta.ID))
		if c.RouteMeta.Command != "" {
			meta.RawSetString("command", lua.LString(c.RouteMeta.Command))
		}
		if c.RouteMeta.Description != "" {
			meta.RawSetString("description", lua.LString(c.RouteMeta.Description))
		}
		tbl.RawSetString("routeMeta", meta)
	}
	if len(c.Datasets) > 0 {
		tbl.RawSetString("datasets", goToLua(L, c.Datasets))
	}
	return tbl
}
