package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivebot/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long: "Walks through channel tokens, storage paths, and the admin gateway,\n" +
			"then writes the config file. Existing values are kept as defaults, so\n" +
			"rerunning is safe.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	var (
		enableTelegram = cfg.Channels.Telegram.Enabled
		enableDiscord  = cfg.Channels.Discord.Enabled
		enableGateway  = cfg.Gateway.Enabled
		gatewayPort    = strconv.Itoa(cfg.Gateway.Port)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("hivebot setup").
				Description("Configure channels and storage. Secrets are written to "+path+" with mode 0600."),
			huh.NewInput().
				Title("Sources root").
				Description("Directory holding service .lua files").
				Value(&cfg.Sources.Root),
			huh.NewInput().
				Title("Database path").
				Description("SQLite file, or :memory: for ephemeral runs").
				Value(&cfg.Database.Path),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&enableTelegram),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather; leave empty to set HIVEBOT_TELEGRAM_TOKEN instead").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Telegram.Token),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&enableDiscord),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to set HIVEBOT_DISCORD_TOKEN instead").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Discord.Token),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable admin gateway?").
				Description("HTTP/WS API for configs, snapshots, and event tailing").
				Value(&enableGateway),
			huh.NewInput().
				Title("Gateway port").
				Validate(validatePort).
				Value(&gatewayPort),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Discord.Enabled = enableDiscord
	cfg.Gateway.Enabled = enableGateway
	cfg.Gateway.Port, _ = strconv.Atoi(gatewayPort)
	if enableGateway && cfg.Gateway.Token == "" {
		cfg.Gateway.Token = uuid.NewString()
		fmt.Printf("generated gateway token: %s\n", cfg.Gateway.Token)
	}

	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	fmt.Println("start the runtime with: hivebot serve")
	if st, err := os.Stat(config.ExpandHome(cfg.Sources.Root)); err != nil || !st.IsDir() {
		fmt.Printf("note: sources root %s does not exist yet\n", cfg.Sources.Root)
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}
