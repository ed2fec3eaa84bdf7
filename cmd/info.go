package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screencap/internal/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved configuration with inheritance indicators",
	Long:  `Display the resolved configuration of the active profile. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance
		if inh == nil {
			inh = &config.InheritanceInfo{}
		}

		fmt.Printf("=== OUTPUT ===\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
		fmt.Printf("prefix: %s %s\n", cfg.Output.Prefix, getInheritanceIndicator(inh.Output.Prefix))
		fmt.Printf("next file: %s-<unix-ms>.webm\n", cfg.Output.Prefix)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Targets] %s\n", getInheritanceIndicator(inh.Targets))
		for i, t := range cfg.Targets {
			fmt.Printf("%d. id: %s\n", i, t.ID)
			fmt.Printf("   kind: %s\n", t.Kind)
			if t.Label != "" {
				fmt.Printf("   label: %s\n", t.Label)
			}
			if t.Display != "" {
				fmt.Printf("   display: %s\n", t.Display)
			}
			if t.DevToolsURL != "" {
				fmt.Printf("   devtools_url: %s\n", t.DevToolsURL)
			}
		}

		fmt.Printf("\n[Video] %s\n", getInheritanceIndicator(inh.Video))
		fmt.Printf("max: %dx%d @ %d fps\n", cfg.Video.MaxWidth, cfg.Video.MaxHeight, cfg.Video.MaxFrameRate)

		fmt.Printf("\n[Microphone] %s\n", getInheritanceIndicator(inh.Microphone))
		fmt.Printf("enabled: %t\n", cfg.Microphone.Enabled)
		fmt.Printf("required: %t\n", cfg.Microphone.Required)
		if cfg.Microphone.Device != "" {
			fmt.Printf("device: %s\n", cfg.Microphone.Device)
		}

		fmt.Printf("\n[Recording] %s\n", getInheritanceIndicator(inh.Recording))
		fmt.Printf("timeslice: %s\n", cfg.Recording.Timeslice)
		fmt.Printf("start_delay: %s\n", cfg.Recording.StartDelay)
		fmt.Printf("formats: %s\n", strings.Join(cfg.Recording.Formats, ", "))

		fmt.Printf("\n[Sink] %s\n", getInheritanceIndicator(inh.Sink))
		fmt.Printf("type: %s\n", cfg.Sink.Type)
		if cfg.Sink.Backup != nil {
			fmt.Printf("backup: %s\n", cfg.Sink.Backup.Type)
		}

		fmt.Printf("\n[Behavior] %s\n", getInheritanceIndicator(inh.Behavior))
		fmt.Printf("auto_stop_on_focus: %t\n", cfg.Behavior.AutoStopOnFocus)
		fmt.Printf("minimize_on_start: %t\n", cfg.Behavior.MinimizeOnStart)

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.InheritanceInherited:
		return "[inherited]"
	case config.InheritanceProfileSpecific:
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
