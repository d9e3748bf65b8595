package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/hivebot/internal/config"
)

// StartTailscale serves the gateway mux on a tailnet listener in addition to
// the main one, so the admin surface is reachable over Tailscale without
// exposing a public port. Returns a cleanup func, or nil when disabled or
// the listener could not start.
func (s *Server) StartTailscale(ctx context.Context, cfg config.TailscaleConfig) func() {
	if !cfg.Enabled {
		return nil
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "hivebot"
	}

	srv := &tsnet.Server{
		Hostname:  hostname,
		Dir:       cfg.StateDir,
		AuthKey:   cfg.AuthKey,
		Ephemeral: cfg.Ephemeral,
		Logf:      func(string, ...any) {}, // tsnet is chatty; errors surface through our own logs
	}

	var (
		ln  net.Listener
		err error
	)
	if cfg.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: s.BuildMux()}
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("tailscale serve stopped", "error", serveErr)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	slog.Info("gateway serving on tailnet", "hostname", hostname, "tls", cfg.EnableTLS)

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
