package sandbox

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Response bodies read over hivebot.http_get are capped; services exchange
// small JSON documents, not files.
const maxFetchBytes = 1 << 20

// registerHTTPGet installs hivebot.http_get(url) -> body, err on the loaded
// runtime table, restricted to the route's allow-listed host patterns. The
// function exists only when the allow-list is non-empty; services without a
// net grant have no network surface at all.
func registerHTTPGet(L *lua.LState, root *lua.LTable, allow []string) {
	client := &http.Client{Timeout: 10 * time.Second}

	fetch := func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			L.Push(lua.LNil)
			L.Push(lua.LString("invalid url"))
			return 2
		}
		if !hostAllowed(u.Hostname(), allow) {
			L.Push(lua.LNil)
			L.Push(lua.LString("host not in allow-list: " + u.Hostname()))
			return 2
		}

		resp, err := client.Get(rawURL)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(body))
		L.Push(lua.LNil)
		return 2
	}

	root.RawSetString("http_get", L.NewFunction(fetch))
}

// hostAllowed matches a hostname against allow-list patterns. A pattern is
// either an exact host or a "*.domain" wildcard matching any subdomain and
// the apex itself.
func hostAllowed(host string, allow []string) bool {
	host = strings.ToLower(host)
	for _, pat := range allow {
		pat = strings.ToLower(strings.TrimSpace(pat))
		if pat == "" {
			continue
		}
		if after, ok := strings.CutPrefix(pat, "*."); ok {
			if host == after || strings.HasSuffix(host, "."+after) {
				return true
			}
			continue
		}
		if host == pat {
			return true
		}
	}
	return false
}
