package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screencap/internal/play"
	"github.com/audiolibrelab/screencap/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play [recording]",
	Short: "Play a recording",
	Long: `Play a recording from the output directory, or the latest one when no name
is given. Uses mpv, vlc or ffplay, whichever is installed first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := play.New(cfg)

		if list, _ := cmd.Flags().GetBool("list"); list {
			recordings, err := p.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, r := range recordings {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, service.FormatBytes(r.Size), r.ModTime.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		}

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		if err := p.Play(context.Background(), name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

func init() {
	playCmd.Flags().BoolP("list", "l", false, "list recordings instead of playing")
}
