package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivebot/internal/adapter/discord"
	"github.com/nextlevelbuilder/hivebot/internal/adapter/telegram"
	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/dispatch"
	"github.com/nextlevelbuilder/hivebot/internal/flowstate"
	"github.com/nextlevelbuilder/hivebot/internal/gateway"
	"github.com/nextlevelbuilder/hivebot/internal/reaper"
	"github.com/nextlevelbuilder/hivebot/internal/sandbox"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/internal/tracing"
)

var watchSources bool

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot runtime (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().BoolVar(&watchSources, "watch", false, "rebuild snapshots when service sources change")
	return cmd
}

func runServe() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if watchSources {
		cfg.Watch.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer tp.Shutdown(context.Background())

	st, err := store.InitDB(config.ExpandHome(cfg.Database.Path), cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	events := bus.New()
	builder := snapshot.NewBuilder(st, config.ExpandHome(cfg.Sources.Root), events)
	flows := flowstate.New()
	go flows.RunSweeper(ctx, time.Duration(cfg.Flows.SweepSeconds)*time.Second)

	rp, err := reaper.Open(config.ExpandHome(cfg.Reaper.Path))
	if err != nil {
		slog.Error("reaper init failed", "error", err)
		os.Exit(1)
	}
	defer rp.Close()

	runner, err := sandbox.NewHost(sandbox.HostConfig{
		Timeout:      time.Duration(cfg.Sandbox.TimeoutMs) * time.Millisecond,
		MaxOutputKiB: cfg.Sandbox.MaxOutputKiB,
		ScratchDir:   cfg.Sandbox.ScratchDir,
	})
	if err != nil {
		slog.Error("sandbox host init failed", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(st, builder, runner, flows, events, dispatch.Config{
		SandboxTimeout: time.Duration(cfg.Sandbox.TimeoutMs) * time.Millisecond,
		FlowTTL:        time.Duration(cfg.Flows.TTLSeconds) * time.Second,
		RatePerMinute:  cfg.Dispatch.RatePerMinute,
		Burst:          cfg.Dispatch.Burst,
	})

	defaultTTL := int64(cfg.Reaper.DefaultTTLSeconds)
	deleters := map[string]func(context.Context, string, string) error{}

	var tg *telegram.Adapter
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err = telegram.New(cfg.Channels.Telegram, dispatcher, rp, defaultTTL, events)
		if err != nil {
			slog.Error("telegram init failed", "error", err)
			os.Exit(1)
		}
		tg.Menu = commandMenu(builder)
		if err := tg.Start(ctx); err != nil {
			slog.Error("telegram start failed", "error", err)
			os.Exit(1)
		}
		defer tg.Stop(context.Background())
		deleters["telegram"] = tg.Delete
		syncMenusOnBuild(ctx, events, tg)
	}

	var dc *discord.Adapter
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err = discord.New(cfg.Channels.Discord, dispatcher, rp, defaultTTL, events)
		if err != nil {
			slog.Error("discord init failed", "error", err)
			os.Exit(1)
		}
		if err := dc.Start(ctx); err != nil {
			slog.Error("discord start failed", "error", err)
			os.Exit(1)
		}
		defer dc.Stop(context.Background())
		deleters["discord"] = dc.Delete
	}

	go rp.Run(ctx, time.Duration(cfg.Reaper.SweepSeconds)*time.Second, func(e reaper.Entry) {
		del, ok := deleters[e.Platform]
		if !ok {
			return
		}
		if err := del(ctx, e.ChatID, e.MessageID); err != nil {
			slog.Debug("reaper deletion failed", "platform", e.Platform, "chat_id", e.ChatID, "error", err)
			return
		}
		events.Broadcast(bus.Event{Name: bus.EventReaperDeleted, Payload: bus.ReaperPayload{
			Platform: e.Platform, ChatID: e.ChatID, MessageID: e.MessageID,
		}})
	})

	if cfg.Watch.Enabled {
		watcher := snapshot.NewWatcher(builder)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Error("source watcher failed", "error", err)
			}
		}()
	}
	if cfg.GC.Schedule != "" {
		go builder.RunScheduledGC(ctx, cfg.GC.Schedule)
	}

	if cfg.Gateway.Enabled {
		server := gateway.NewServer(cfg.Gateway, events, st, builder, flows, Version)
		if cleanup := server.StartTailscale(ctx, cfg.Tailscale); cleanup != nil {
			defer cleanup()
		}
		go func() {
			if err := server.Start(ctx); err != nil {
				slog.Error("gateway failed", "error", err)
				stop()
			}
		}()
	}

	slog.Info("hivebot running",
		"version", Version,
		"db", st.Dialect(),
		"telegram", tg != nil,
		"discord", dc != nil,
		"gateway", cfg.Gateway.Enabled,
		"config_hash", cfg.Hash(),
	)

	<-ctx.Done()
	slog.Info("shutting down")
	events.Broadcast(bus.Event{Name: bus.EventShutdown})
}

// commandMenu resolves the Telegram command menu for a chat from its routing
// snapshot.
func commandMenu(builder *snapshot.Builder) func(context.Context, string) map[string]string {
	return func(ctx context.Context, chatID string) map[string]string {
		snap, err := builder.Build(ctx, chatID, false)
		if err != nil {
			slog.Warn("menu resolution failed", "chat_id", chatID, "error", err)
			return nil
		}
		menu := make(map[string]string, len(snap.Commands))
		for token, route := range snap.Commands {
			menu[token] = route.Meta.Description
		}
		return menu
	}
}

// syncMenusOnBuild pushes a fresh command menu to Telegram whenever a chat's
// snapshot is actually rebuilt.
func syncMenusOnBuild(ctx context.Context, events *bus.Bus, tg *telegram.Adapter) {
	events.Subscribe("telegram-menu-sync", func(ev bus.Event) {
		if ev.Name != bus.EventSnapshotBuilt {
			return
		}
		p, ok := ev.Payload.(bus.SnapshotPayload)
		if !ok || p.CacheHit {
			return
		}
		go func() {
			if err := tg.SyncMenuCommands(ctx, p.ChatID); err != nil {
				slog.Debug("menu sync failed", "chat_id", p.ChatID, "error", err)
			}
		}()
	})
}
