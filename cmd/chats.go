package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
)

func chatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage per-chat service configurations",
	}

	set := &cobra.Command{
		Use:   "set <chat-id> <config-file>",
		Short: "Assign a configuration document to a chat",
		Long: "Reads a configuration document (JSON or JSON5), validates it, and\n" +
			"stores its canonical JSON for the chat. The next event in the chat\n" +
			"triggers a snapshot rebuild.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var doc snapshot.Document
			if err := json5.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}
			if doc.ConfigID == "" {
				return fmt.Errorf("%s: configId is required", args[1])
			}
			if len(doc.Services) == 0 {
				return fmt.Errorf("%s: at least one service is required", args[1])
			}

			// Canonical JSON so equal documents hash equal regardless of
			// the input's formatting.
			canonical, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, st *store.Store) error {
				hash := snapshot.HashContent(string(canonical))
				if err := st.SetChatConfig(ctx, args[0], doc.ConfigID, string(canonical), hash); err != nil {
					return err
				}
				fmt.Printf("chat %s -> %s (%d services, hash %.12s)\n", args[0], doc.ConfigID, len(doc.Services), hash)
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <chat-id>",
		Short: "Print a chat's configuration document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				rec, err := st.GetChatConfig(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("chat %s has no configuration", args[0])
				}
				var buf json.RawMessage = []byte(rec.ConfigJSON)
				out, err := json.MarshalIndent(buf, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store) error {
				recs, err := st.ListChatConfigs(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHAT\tCONFIG\tHASH\tUPDATED")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%.12s\t%s\n", r.ChatID, r.ConfigID, r.ConfigHash, humanize.Time(r.UpdatedAt))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(set, get, list)
	return cmd
}

func withStore(fn func(context.Context, *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.InitDB(config.ExpandHome(cfg.Database.Path), cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}
