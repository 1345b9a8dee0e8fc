package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/db"
	"github.com/jandubois/kfmon/internal/mount"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and report each watch's state",
	Long: `Check loads the daemon settings and every watch file exactly as the
daemon would, then prints one line per watch: its target file, size, and
whether the library database considers the target processed.

It exits nonzero when the configuration is invalid.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(settings)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	out := cmd.OutOrStdout()
	mounted, err := mount.IsMounted(cfg.Daemon.MountPoint)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "mount point %s mounted: %v\n", cfg.Daemon.MountPoint, mounted)
	fmt.Fprintf(out, "%d watch(es) loaded from %s\n\n", len(cfg.Watches), cfg.Daemon.ConfigDir)

	lib := db.NewLibrary(cfg.Daemon.Database, cfg.Daemon.ImagesDir(), cfg.Daemon.DBTimeout)
	printWatches(cmd.Context(), out, cfg.Watches, lib)
	return nil
}

func printWatches(ctx context.Context, out io.Writer, watches []config.WatchConfig, lib *db.Library) {
	if ctx == nil {
		ctx = context.Background()
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSIZE\tLIBRARY\tACTION")
	for i := range watches {
		w := &watches[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", w.ID, w.Filename, fileSize(w.Filename), readiness(ctx, w, lib), w.Action)
	}
	tw.Flush()
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return units.HumanSize(float64(info.Size()))
}

func readiness(ctx context.Context, w *config.WatchConfig, lib *db.Library) string {
	if !w.NeedsDBCheck() {
		return "not checked"
	}
	processed, err := lib.Processed(ctx, w.DBTitle, w.DBAuthor, w.DBComment)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return "not found"
	case err != nil:
		return "error: " + err.Error()
	case processed:
		return "processed"
	default:
		return "importing"
	}
}
