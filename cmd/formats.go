package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screencap/internal/encoder"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the recording formats ffmpeg can produce here",
	RunE: func(cmd *cobra.Command, args []string) error {
		prober := encoder.NewProber()
		ctx := context.Background()

		formats, err := prober.Supported(ctx)
		if err != nil {
			return fmt.Errorf("failed to probe ffmpeg: %w", err)
		}

		selected, err := prober.Negotiate(ctx, cfg.Recording.Formats)
		if err != nil {
			fmt.Printf("No allowed format is supported: %v\n", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\tMIME TYPE\tVIDEO\tAUDIO\tACCEL")
		for _, f := range formats {
			mark := ""
			if f.MimeType == selected.MimeType && f.Accelerator == selected.Accelerator {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, f.MimeType, f.VideoCodec, f.AudioCodec, f.Accelerator)
		}
		return w.Flush()
	},
}
