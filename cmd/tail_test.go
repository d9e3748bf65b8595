package cmd

import "testing"

func TestWebsocketURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://127.0.0.1:8791", want: "ws://127.0.0.1:8791/ws"},
		{in: "https://bot.example.com", want: "wss://bot.example.com/ws"},
		{in: "https://bot.example.com/", want: "wss://bot.example.com/ws"},
		{in: "ws://127.0.0.1:8791", want: "ws://127.0.0.1:8791/ws"},
		{in: "ftp://example.com", wantErr: true},
	}
	for _, c := range cases {
		got, err := websocketURL(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("websocketURL(%q) = %q, want error", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("websocketURL(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("websocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
