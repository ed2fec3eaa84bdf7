package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/service"
	"github.com/audiolibrelab/screencap/internal/status"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a screen, window or tab",
	Long: `Record the selected capture target until Enter or Ctrl+C is pressed.

Without --target the first configured target is recorded. Use --pick to choose
from every available target of the requested kinds interactively.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		pick, _ := cmd.Flags().GetBool("pick")

		opts := service.StartOptions{Source: source, Target: target}
		if cmd.Flags().Changed("mic") {
			mic, _ := cmd.Flags().GetBool("mic")
			opts.Microphone = &mic
		}

		in := bufio.NewReader(os.Stdin)
		svcOpts := service.Options{
			Logger:  slog.Default(),
			Verbose: ffmpegVerbose(),
		}
		if pick {
			svcOpts.Picker = &capture.PromptPicker{In: in, Out: os.Stdout}
		}

		svc, err := service.New(cfg, cfgFile, profile, svcOpts)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		events, cancel := svc.Subscribe(status.DefaultBuffer)
		defer cancel()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.Start(ctx, opts); err != nil {
			if errors.Is(err, errors.ErrUserCancelled) {
				fmt.Println("Recording cancelled")
				return nil
			}
			return fmt.Errorf("failed to start recording: %w", err)
		}

		enter := make(chan struct{})
		go func() {
			in.ReadString('\n')
			close(enter)
		}()

		fmt.Println("Press Enter or Ctrl+C to stop")
		if ended := waitForStop(ctx, enter, events); ended != nil {
			// the recording ended on its own
			if ended.Type == status.TypeError {
				return fmt.Errorf("recording failed: %s", ended.Message)
			}
			return svc.Close(context.Background())
		}

		stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelStop()

		res, err := svc.Stop(stopCtx)
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		fmt.Printf("Saved: %s (%s, %s)\n", res.Location, service.FormatBytes(int64(res.Size)), res.Duration.Round(time.Second))

		return svc.Close(context.Background())
	},
}

// waitForStop prints status events until the user asks to stop. It returns the
// final event when the recording finished without being asked to.
func waitForStop(ctx context.Context, enter <-chan struct{}, events <-chan status.Event) *status.Event {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-enter:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Println(ev.Message)
			if ev.Type == status.TypeSaved || ev.Type == status.TypeError {
				return &ev
			}
		}
	}
}

func init() {
	recordCmd.Flags().StringP("source", "s", "", "source kind: screen, window or tab (default: configured targets)")
	recordCmd.Flags().StringP("target", "t", "", "configured target id, or a label to match")
	recordCmd.Flags().Bool("mic", true, "mix in the microphone (overrides config)")
	recordCmd.Flags().Bool("pick", false, "choose the target interactively")
}
