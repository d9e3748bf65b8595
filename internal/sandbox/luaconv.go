package sandbox

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts decoded JSON (maps, slices, scalars) into Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return lua.LNil
		}
		return goToLua(L, decoded)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value into JSON-shaped Go data. Tables with only
// contiguous integer keys from 1 become slices, everything else becomes a
// map. Cycles are broken by depth limiting; a service returning a deeper
// structure than this gets it truncated to nil.
func luaToGo(v lua.LValue) any {
	return luaToGoDepth(v, 0)
}

const maxConvertDepth = 32

func luaToGoDepth(v lua.LValue, depth int) any {
	if depth > maxConvertDepth {
		return nil
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.Len()
		if n > 0 {
			arr := make([]any, 0, n)
			isArray := true
			val.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				for i := 1; i <= n; i++ {
					arr = append(arr, luaToGoDepth(val.RawGetInt(i), depth+1))
				}
				return arr
			}
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			switch key := k.(type) {
			case lua.LString:
				m[string(key)] = luaToGoDepth(item, depth+1)
			case lua.LNumber:
				m[key.String()] = luaToGoDepth(item, depth+1)
			}
		})
		return m
	default:
		return nil
	}
}
