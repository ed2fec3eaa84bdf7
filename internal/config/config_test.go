package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	// Create base (default) config
	base := &Config{
		Targets: []Target{
			{ID: "main", Kind: TargetKindScreen, Display: ":0.0"},
		},
		Video: VideoConfig{MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 30},
		Recording: RecordingConfig{
			Timeslice:   time.Second,
			StartDelay:  800 * time.Millisecond,
			StopTimeout: 5 * time.Second,
		},
		Output: OutputConfig{
			Directory:   "~/Videos/Default",
			Prefix:      "recording",
			RevokeDelay: time.Second,
		},
		Sink: SinkConfig{StorageConfig: StorageConfig{Type: SinkLocal}},
	}

	// Profile only picks a different target and prefix
	profile := &Config{
		Targets: []Target{
			{ID: "browser", Kind: TargetKindTab, DevToolsURL: "http://127.0.0.1:9222"},
		},
		Output: OutputConfig{
			Prefix: "meeting",
		},
	}

	result := mergeConfigs(base, profile)

	if len(result.Targets) != 1 || result.Targets[0].ID != "browser" {
		t.Errorf("Expected profile target 'browser', got %+v", result.Targets)
	}
	if result.Inheritance.Targets != InheritanceProfileSpecific {
		t.Errorf("Expected targets to be profile-specific, got %s", result.Inheritance.Targets)
	}

	if result.Video.MaxFrameRate != 30 {
		t.Errorf("Expected inherited frame rate 30, got %d", result.Video.MaxFrameRate)
	}
	if result.Inheritance.Video != InheritanceInherited {
		t.Errorf("Expected video to be inherited, got %s", result.Inheritance.Video)
	}

	if result.Recording.StartDelay != 800*time.Millisecond {
		t.Errorf("Expected inherited start delay 800ms, got %s", result.Recording.StartDelay)
	}

	if result.Output.Prefix != "meeting" {
		t.Errorf("Expected prefix 'meeting', got %s", result.Output.Prefix)
	}
	if result.Output.Directory != "~/Videos/Default" {
		t.Errorf("Expected inherited directory, got %s", result.Output.Directory)
	}
	if result.Inheritance.Output.Directory != InheritanceInherited {
		t.Errorf("Expected output directory to be inherited, got %s", result.Inheritance.Output.Directory)
	}
	if result.Inheritance.Output.Prefix != InheritanceProfileSpecific {
		t.Errorf("Expected output prefix to be profile-specific, got %s", result.Inheritance.Output.Prefix)
	}

	if result.Sink.Type != SinkLocal {
		t.Errorf("Expected inherited sink type 'local', got %s", result.Sink.Type)
	}
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{
		Video:  VideoConfig{MaxWidth: 1280, MaxHeight: 720, MaxFrameRate: 15},
		Output: OutputConfig{Directory: "/tmp/rec", Prefix: "clip"},
	}

	result := mergeConfigs(nil, profile)

	if result.Video.MaxWidth != 1280 {
		t.Errorf("Expected width 1280, got %d", result.Video.MaxWidth)
	}
	if result.Output.Prefix != "clip" {
		t.Errorf("Expected prefix 'clip', got %s", result.Output.Prefix)
	}
	if result.Inheritance == nil {
		t.Fatal("Expected inheritance info to be set")
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := &Config{
		Targets: []Target{{ID: "main", Kind: TargetKindScreen}},
		Video:   VideoConfig{MaxWidth: 1920, MaxHeight: 1080, MaxFrameRate: 30},
		Output:  OutputConfig{Directory: "/videos", Prefix: "recording"},
		Sink:    SinkConfig{StorageConfig: StorageConfig{Type: SinkS3, S3: &S3Config{Bucket: "b"}}},
	}

	result := mergeConfigs(base, &Config{})

	if len(result.Targets) != 1 || result.Targets[0].ID != "main" {
		t.Errorf("Expected inherited targets, got %+v", result.Targets)
	}
	if result.Output.Directory != "/videos" || result.Output.Prefix != "recording" {
		t.Errorf("Expected inherited output, got %+v", result.Output)
	}
	if result.Sink.Type != SinkS3 || result.Sink.S3 == nil {
		t.Errorf("Expected inherited s3 sink, got %+v", result.Sink)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Videos", filepath.Join(homeDir, "Videos")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", test.input, result, test.expected)
		}
	}
}

func containsSubstring(s, substr string) bool {
	return strings.Contains(s, substr)
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    output:
        recordings_directory: /global/recordings
definitions:
    targets:
        - id: main
          kind: screen
          display: ":0.0"
configs:
    test:
        targets:
            - ref: main
        output:
            directory: /profile/recordings
            prefix: take
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	// Verify that global recordings directory overrides profile directory
	expectedDir := "/global/recordings"
	if cfg.Output.Directory != expectedDir {
		t.Errorf("Expected directory '%s' from globals, got '%s'", expectedDir, cfg.Output.Directory)
	}

	// Verify other output settings still come from profile
	if cfg.Output.Prefix != "take" {
		t.Errorf("Expected prefix 'take' from profile, got '%s'", cfg.Output.Prefix)
	}
}

func TestLoadWithProfile_InheritsDefaultProfile(t *testing.T) {
	configContent := `
active_config: meeting
definitions:
    targets:
        - id: main
          kind: screen
          display: ":0.0"
          system_audio: alsa_output.pci.monitor
        - id: browser
          kind: tab
          devtools_url: http://127.0.0.1:9222
configs:
    default:
        targets:
            - ref: main
        video:
            max_width: 1280
            max_height: 720
            max_frame_rate: 24
        microphone:
            enabled: false
        recording:
            timeslice: 2s
            start_delay: 500ms
            stop_timeout: 3s
        behavior:
            auto_stop_on_focus: false
    meeting:
        targets:
            - ref: browser
              label: Standup
        microphone:
            required: true
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if len(cfg.Targets) != 1 || cfg.Targets[0].Kind != TargetKindTab || cfg.Targets[0].Label != "Standup" {
		t.Errorf("Expected tab target labelled 'Standup', got %+v", cfg.Targets)
	}
	if cfg.Video.MaxFrameRate != 24 {
		t.Errorf("Expected inherited frame rate 24, got %d", cfg.Video.MaxFrameRate)
	}
	if cfg.Recording.Timeslice != 2*time.Second {
		t.Errorf("Expected inherited timeslice 2s, got %s", cfg.Recording.Timeslice)
	}
	if cfg.Microphone.Enabled {
		t.Error("Expected microphone.enabled=false inherited from default profile")
	}
	if !cfg.Microphone.Required {
		t.Error("Expected microphone.required=true from profile")
	}
	if cfg.Behavior.AutoStopOnFocus {
		t.Error("Expected auto_stop_on_focus=false inherited from default profile")
	}
	if cfg.Output.Prefix != "recording" {
		t.Errorf("Expected built-in prefix 'recording', got %s", cfg.Output.Prefix)
	}
	if cfg.Output.RevokeDelay != time.Second {
		t.Errorf("Expected built-in revoke delay 1s, got %s", cfg.Output.RevokeDelay)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configContent := `
active_config: default
configs:
    default:
        output:
            prefix: recording
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	_, err := LoadWithProfile(configFile, "missing")
	if err == nil {
		t.Fatal("Expected error for unknown profile")
	}
	if !containsSubstring(err.Error(), "'missing' not found") {
		t.Errorf("Expected not found error, got: %v", err)
	}
}

func TestLoadWithProfile_BuiltinDefaults(t *testing.T) {
	configContent := `
configs:
    default:
        output:
            prefix: recording
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if !cfg.Microphone.Enabled {
		t.Error("Expected microphone enabled by default")
	}
	if !cfg.Behavior.AutoStopOnFocus {
		t.Error("Expected focus auto-stop enabled by default")
	}
	if cfg.Recording.StartDelay != 800*time.Millisecond {
		t.Errorf("Expected 800ms start delay when profile omits recording, got %s", cfg.Recording.StartDelay)
	}
	if cfg.Recording.Timeslice != time.Second {
		t.Errorf("Expected 1s timeslice, got %s", cfg.Recording.Timeslice)
	}
	if _, ok := cfg.TargetForKind(TargetKindScreen); !ok {
		t.Error("Expected a default screen target")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"), "")
	if err != nil {
		t.Fatalf("Expected defaults, got error: %v", err)
	}
	if cfg.Recording.StartDelay != 800*time.Millisecond {
		t.Errorf("Expected 800ms start delay, got %s", cfg.Recording.StartDelay)
	}
	if cfg.Sink.Type != SinkLocal {
		t.Errorf("Expected local sink, got %s", cfg.Sink.Type)
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configContent := `
active_config: default
configs:
    default:
        output:
            prefix: recording
    meeting:
        output:
            prefix: meeting
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	if err := UpdateActiveConfig(configFile, "meeting"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	names, active, err := ListProfiles(configFile)
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	if active != "meeting" {
		t.Errorf("Expected active profile 'meeting', got %s", active)
	}
	if len(names) != 2 {
		t.Errorf("Expected 2 profiles, got %v", names)
	}
}
