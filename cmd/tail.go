package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var (
		gatewayURL string
		token      string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream runtime events from a running gateway",
		Long: "Connects to the gateway's websocket endpoint and prints each bus\n" +
			"event as a JSON line: dispatches, snapshot builds, reaper deletions,\n" +
			"and channel status changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, gatewayURL, token)
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway base URL (default from config gateway host/port)")
	cmd.Flags().StringVar(&token, "token", "", "gateway bearer token (default from config)")
	return cmd
}

func runTail(ctx context.Context, gatewayURL, token string) error {
	if gatewayURL == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if gatewayURL == "" {
			host := cfg.Gateway.Host
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			gatewayURL = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
		}
		if token == "" {
			token = cfg.Gateway.Token
		}
	}

	wsURL, err := websocketURL(gatewayURL)
	if err != nil {
		return err
	}

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	fmt.Fprintf(os.Stderr, "tailing %s\n", wsURL)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Println(string(data))
	}
}

// websocketURL turns a gateway base URL into its /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
