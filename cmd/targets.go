package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/service"
)

var targetsCmd = &cobra.Command{
	Use:   "targets [screen|window|tab]...",
	Short: "List available capture targets",
	Long: `List the screens, windows and browser tabs that can be recorded.
Windows are read from X11, tabs from the Chrome DevTools endpoint configured
on a tab target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var kinds []capture.SourceKind
		for _, arg := range args {
			kind, err := capture.ParseSourceKind(arg)
			if err != nil {
				return err
			}
			kinds = append(kinds, kind)
		}

		svc, err := service.New(cfg, cfgFile, profile, service.Options{Logger: slog.Default()})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		targets, err := svc.Targets(context.Background(), kinds)
		if err != nil {
			return fmt.Errorf("failed to list targets: %w", err)
		}
		if len(targets) == 0 {
			fmt.Println("No capture targets found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tID\tLABEL\tSIZE")
		for _, t := range targets {
			size := ""
			if t.Width > 0 && t.Height > 0 {
				size = fmt.Sprintf("%dx%d", t.Width, t.Height)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Kind, t.ID, strings.TrimSpace(t.Label), size)
		}
		return w.Flush()
	},
}
