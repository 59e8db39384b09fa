// artifacts.go adds the operator-facing "taucore artifacts list|show|purge"
// surface named in SPEC_FULL.md §7: the same channelstore artifact
// inspection the in-band "/tau artifacts" command performs
// (internal/channels/commands.go's executeArtifacts/executeArtifactShow),
// exposed for use outside chat against a channel store directly. Grounded
// on the teacher's cmd/ subcommand idiom (load config, resolve state dir,
// operate on a store, print a plain-text report).
package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tauhq/taucore/internal/channelstore"
	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/config"
)

var (
	artifactsTransport string
	artifactsChannel   string
	artifactsRunID     string
)

func artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect and manage a channel's artifact store",
	}
	cmd.PersistentFlags().StringVar(&artifactsTransport, "transport", "", "transport name (e.g. slack, github, telegram)")
	cmd.PersistentFlags().StringVar(&artifactsChannel, "channel", "", "channel id")
	cmd.MarkPersistentFlagRequired("transport")
	cmd.MarkPersistentFlagRequired("channel")

	cmd.AddCommand(artifactsListCmd())
	cmd.AddCommand(artifactsShowCmd())
	cmd.AddCommand(artifactsPurgeCmd())
	return cmd
}

func openArtifactStore() (*channelstore.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	channelRoot := filepath.Join(config.ExpandHome(cfg.StateDir), "channels")
	return channelstore.Open(channelRoot, artifactsTransport, artifactsChannel)
}

func artifactsListCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "list",
		Short: "List active (non-expired) artifacts, optionally filtered by run id",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArtifactStore()
			if err != nil {
				return err
			}
			now := clock.Real{}.NowUnixMS()
			records, invalid, err := store.ListActiveArtifacts(now)
			if err != nil {
				return fmt.Errorf("list artifacts: %w", err)
			}
			records = channelstore.RunArtifactsFilter(records, artifactsRunID)

			var b strings.Builder
			fmt.Fprintf(&b, "%d active artifacts", len(records))
			if invalid > 0 {
				fmt.Fprintf(&b, " (%d invalid index lines)", invalid)
			}
			b.WriteString(":\n")
			for _, r := range records {
				fmt.Fprintf(&b, "- %s (%s, run %s, %d bytes, created %d)\n", r.ID, r.ArtifactType, r.RunID, r.Bytes, r.CreatedUnixMS)
			}
			fmt.Print(b.String())
			return nil
		},
	}
	c.Flags().StringVar(&artifactsRunID, "run", "", "filter by run id")
	return c
}

func artifactsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Show one artifact's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArtifactStore()
			if err != nil {
				return err
			}
			rec, ok, err := store.GetArtifact(args[0])
			if err != nil {
				return fmt.Errorf("load artifact: %w", err)
			}
			if !ok {
				return fmt.Errorf("no artifact with id %s", args[0])
			}
			now := clock.Real{}.NowUnixMS()
			state := "active"
			if rec.ExpiresUnixMS != nil && *rec.ExpiresUnixMS <= now {
				state = "expired"
			}
			fmt.Printf("id=%s type=%s run=%s visibility=%s bytes=%d checksum=%s state=%s path=%s\n",
				rec.ID, rec.ArtifactType, rec.RunID, rec.Visibility, rec.Bytes, rec.ChecksumSHA256, state, rec.RelativePath)
			return nil
		},
	}
}

func artifactsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired artifacts and invalid index lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArtifactStore()
			if err != nil {
				return err
			}
			now := clock.Real{}.NowUnixMS()
			expired, invalid, err := store.PurgeExpiredArtifacts(now)
			if err != nil {
				return fmt.Errorf("purge artifacts: %w", err)
			}
			fmt.Printf("purged %d expired artifacts (%d invalid index lines removed)\n", expired, invalid)
			return nil
		},
	}
}
