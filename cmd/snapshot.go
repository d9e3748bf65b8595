package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/config"
	"github.com/nextlevelbuilder/hivebot/internal/sandbox"
	"github.com/nextlevelbuilder/hivebot/internal/snapshot"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and rebuild routing snapshots",
	}

	var force, verify bool
	build := &cobra.Command{
		Use:   "build <chat-id>",
		Short: "Compile the routing snapshot for a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuilder(func(ctx context.Context, st *store.Store, b *snapshot.Builder) error {
				snap, err := b.Build(ctx, args[0], force)
				if err != nil {
					return err
				}
				printSnapshotSummary(snap)
				if verify {
					return verifySnapshot(ctx, st, snap)
				}
				return nil
			})
		},
	}
	build.Flags().BoolVar(&force, "force", false, "rebuild even when a cached snapshot exists")
	build.Flags().BoolVar(&verify, "verify", false, "re-probe every bundle and check the integrity hash")

	show := &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print the cached snapshot for a chat as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuilder(func(ctx context.Context, st *store.Store, b *snapshot.Builder) error {
				snap, err := b.Build(ctx, args[0], false)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	}

	gc := &cobra.Command{
		Use:   "gc",
		Short: "Delete bundles no live snapshot references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuilder(func(ctx context.Context, st *store.Store, b *snapshot.Builder) error {
				res, err := b.GCOrphanBundles(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %s, kept %s\n",
					humanize.Comma(int64(len(res.Deleted))), humanize.Comma(int64(len(res.Kept))))
				for _, h := range res.Deleted {
					fmt.Printf("  - %s\n", h)
				}
				return nil
			})
		},
	}

	bundles := &cobra.Command{
		Use:   "bundles",
		Short: "List stored service bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBuilder(func(ctx context.Context, st *store.Store, b *snapshot.Builder) error {
				recs, err := st.ListBundles(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "HASH\tSERVICE\tVERSION\tSIZE\tUPDATED")
				for _, r := range recs {
					fmt.Fprintf(w, "%.12s\t%s\t%s\t%s\t%s\n",
						r.BundleHash, r.ServiceID, r.Version,
						humanize.Bytes(uint64(len(r.DataURL))),
						humanize.Time(r.UpdatedAt))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(build, show, gc, bundles)
	return cmd
}

func withBuilder(fn func(context.Context, *store.Store, *snapshot.Builder) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.InitDB(config.ExpandHome(cfg.Database.Path), cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return fn(ctx, st, snapshot.NewBuilder(st, config.ExpandHome(cfg.Sources.Root), bus.New()))
}

func printSnapshotSummary(snap *snapshot.Snapshot) {
	tokens := make([]string, 0, len(snap.Commands))
	for token := range snap.Commands {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	fmt.Printf("config %s, built %s\n", snap.ConfigHash, humanize.Time(snap.BuiltAt))
	for _, token := range tokens {
		r := snap.Commands[token]
		fmt.Printf("  /%s -> %s (%.12s)\n", token, r.ServiceID, r.BundleHash)
	}
	for _, r := range snap.Listeners {
		fmt.Printf("  listener %s (%.12s)\n", r.ServiceID, r.BundleHash)
	}
	for _, d := range snap.Diagnostics {
		fmt.Printf("  warning: %s\n", d)
	}
}

// verifySnapshot re-probes every referenced bundle in an in-process VM and
// rechecks the snapshot's integrity hash, catching bundles that were edited
// or lost after the build.
func verifySnapshot(ctx context.Context, st *store.Store, snap *snapshot.Snapshot) error {
	if !snap.VerifyIntegrity() {
		return fmt.Errorf("integrity hash mismatch for config %s", snap.ConfigHash)
	}

	var bad int
	for hash := range snap.BundleHashes() {
		rec, err := st.GetServiceBundle(ctx, hash)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Printf("  missing bundle %s\n", hash)
			bad++
			continue
		}
		text, err := sdk.DecodeDataURI(rec.DataURL)
		if err != nil {
			fmt.Printf("  undecodable bundle %s: %v\n", hash, err)
			bad++
			continue
		}
		if snapshot.HashContent(text) != hash {
			fmt.Printf("  content drift in bundle %s\n", hash)
			bad++
			continue
		}
		if _, err := sandbox.ProbeManifest(ctx, text); err != nil {
			fmt.Printf("  bundle %s no longer loads: %v\n", hash, err)
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d bundle(s) failed verification", bad)
	}
	fmt.Println("verify: ok")
	return nil
}
