package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	TargetKindScreen = "screen"
	TargetKindWindow = "window"
	TargetKindTab    = "tab"

	SinkLocal = "local"
	SinkS3    = "s3"
	SinkGCS   = "gcs"
	SinkAzure = "azure"

	InheritanceInherited       = "inherited"
	InheritanceProfileSpecific = "profile-specific"
)

type DefinitionsConfig struct {
	Targets []TargetDefinition `mapstructure:"targets" yaml:"targets"`
}

// TargetDefinition describes a capture target that profiles can reference.
type TargetDefinition struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Kind        string `mapstructure:"kind" yaml:"kind"`                 // screen, window, tab
	Label       string `mapstructure:"label" yaml:"label"`               // preselected target label, empty means ask
	Display     string `mapstructure:"display" yaml:"display"`           // X11 display for screen/window
	DevToolsURL string `mapstructure:"devtools_url" yaml:"devtools_url"` // Chrome remote debugging endpoint for tab
	SystemAudio string `mapstructure:"system_audio" yaml:"system_audio"` // pulse monitor source carried with the video
}

type TargetReference struct {
	Ref   string  `mapstructure:"ref" yaml:"ref"`
	Label *string `mapstructure:"label,omitempty" yaml:"label,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
	Logging      *LoggingConfig            `mapstructure:"logging,omitempty" yaml:"logging,omitempty"`
	Server       *ServerConfig             `mapstructure:"server,omitempty" yaml:"server,omitempty"`
}

type Config struct {
	Targets    []Target         `mapstructure:"targets" yaml:"targets"`
	Video      VideoConfig      `mapstructure:"video" yaml:"video"`
	Microphone MicrophoneConfig `mapstructure:"microphone" yaml:"microphone"`
	Recording  RecordingConfig  `mapstructure:"recording" yaml:"recording"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Sink       SinkConfig       `mapstructure:"sink" yaml:"sink"`
	Behavior   BehaviorConfig   `mapstructure:"behavior" yaml:"behavior"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Targets    []TargetReference `mapstructure:"targets" yaml:"targets"`
	Video      VideoConfig       `mapstructure:"video" yaml:"video"`
	Microphone MicrophoneProfile `mapstructure:"microphone" yaml:"microphone"`
	Recording  RecordingConfig   `mapstructure:"recording" yaml:"recording"`
	Output     OutputConfig      `mapstructure:"output" yaml:"output"`
	Sink       SinkConfig        `mapstructure:"sink" yaml:"sink"`
	Behavior   BehaviorProfile   `mapstructure:"behavior" yaml:"behavior"`
}

type InheritanceInfo struct {
	Targets    string
	Video      string
	Microphone string
	Recording  string
	Output     struct {
		Directory string
		Prefix    string
	}
	Sink     string
	Behavior string
}

// Target is a resolved capture target definition.
type Target struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Kind        string `mapstructure:"kind" yaml:"kind"`
	Label       string `mapstructure:"label" yaml:"label"`
	Display     string `mapstructure:"display" yaml:"display"`
	DevToolsURL string `mapstructure:"devtools_url" yaml:"devtools_url"`
	SystemAudio string `mapstructure:"system_audio" yaml:"system_audio"`
}

type VideoConfig struct {
	MaxWidth     int `mapstructure:"max_width" yaml:"max_width"`
	MaxHeight    int `mapstructure:"max_height" yaml:"max_height"`
	MaxFrameRate int `mapstructure:"max_frame_rate" yaml:"max_frame_rate"`
}

type MicrophoneConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Device   string `mapstructure:"device" yaml:"device"` // pulse source name, empty = default source
	Required bool   `mapstructure:"required" yaml:"required"`
}

type MicrophoneProfile struct {
	Enabled  *bool  `mapstructure:"enabled,omitempty" yaml:"enabled,omitempty"`
	Device   string `mapstructure:"device" yaml:"device"`
	Required *bool  `mapstructure:"required,omitempty" yaml:"required,omitempty"`
}

type RecordingConfig struct {
	Timeslice   time.Duration `mapstructure:"timeslice" yaml:"timeslice"`
	StartDelay  time.Duration `mapstructure:"start_delay" yaml:"start_delay"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	Formats     []string      `mapstructure:"formats" yaml:"formats"` // MIME types allowed, in preference order
}

type OutputConfig struct {
	Directory   string        `mapstructure:"directory" yaml:"directory"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	StagingDir  string        `mapstructure:"staging_directory" yaml:"staging_directory"`
	RevokeDelay time.Duration `mapstructure:"revoke_delay" yaml:"revoke_delay"`
}

type BehaviorConfig struct {
	AutoStopOnFocus bool `mapstructure:"auto_stop_on_focus" yaml:"auto_stop_on_focus"`
	MinimizeOnStart bool `mapstructure:"minimize_on_start" yaml:"minimize_on_start"`
}

type BehaviorProfile struct {
	AutoStopOnFocus *bool `mapstructure:"auto_stop_on_focus,omitempty" yaml:"auto_stop_on_focus,omitempty"`
	MinimizeOnStart *bool `mapstructure:"minimize_on_start,omitempty" yaml:"minimize_on_start,omitempty"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type" yaml:"type"` // local, s3, gcs, azure
	Prefix string       `mapstructure:"prefix" yaml:"prefix"`
	S3     *S3Config    `mapstructure:"s3,omitempty" yaml:"s3,omitempty"`
	GCS    *GCSConfig   `mapstructure:"gcs,omitempty" yaml:"gcs,omitempty"`
	Azure  *AzureConfig `mapstructure:"azure,omitempty" yaml:"azure,omitempty"`
}

type SinkConfig struct {
	StorageConfig `mapstructure:",squash" yaml:",inline"`
	Backup        *StorageConfig `mapstructure:"backup,omitempty" yaml:"backup,omitempty"`
}

type S3Config struct {
	AccessKey      string        `mapstructure:"access_key" yaml:"access_key"`
	Secret         string        `mapstructure:"secret" yaml:"secret"`
	SessionToken   string        `mapstructure:"session_token" yaml:"session_token"`
	Region         string        `mapstructure:"region" yaml:"region"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket         string        `mapstructure:"bucket" yaml:"bucket"`
	ForcePathStyle bool          `mapstructure:"force_path_style" yaml:"force_path_style"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsJSON string `mapstructure:"credentials_json" yaml:"credentials_json"`
}

type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type ServerConfig struct {
	Port    string `mapstructure:"port" yaml:"port"`
	Metrics bool   `mapstructure:"metrics" yaml:"metrics"`
}

var defaultConfig = Config{
	Targets: []Target{
		{ID: "screen", Kind: TargetKindScreen, Display: ":0.0"},
	},
	Video: VideoConfig{
		MaxWidth:     1920,
		MaxHeight:    1080,
		MaxFrameRate: 30,
	},
	Microphone: MicrophoneConfig{
		Enabled: true,
	},
	Recording: RecordingConfig{
		Timeslice:   time.Second,
		StartDelay:  800 * time.Millisecond,
		StopTimeout: 5 * time.Second,
	},
	Output: OutputConfig{
		Directory:   filepath.Join(os.Getenv("HOME"), "Videos", "ScreenCap"),
		Prefix:      "recording",
		RevokeDelay: time.Second,
	},
	Sink: SinkConfig{
		StorageConfig: StorageConfig{Type: SinkLocal},
	},
	Behavior: BehaviorConfig{
		AutoStopOnFocus: true,
	},
	Logging: LoggingConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
	Server: ServerConfig{
		Port:    "8080",
		Metrics: true,
	},
}

// Default returns a copy of the built-in configuration used when no file exists.
func Default() *Config {
	cfg := defaultConfig
	cfg.Targets = append([]Target(nil), defaultConfig.Targets...)
	return &cfg
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
			mergeProfileBooleans(selectedConfig, selectedProfile, defaultProfile)
		}
	}
	if selectedConfig.Inheritance == nil {
		selectedConfig.Inheritance = profileSpecific()
	}

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}
	if rootConfig.Logging != nil {
		selectedConfig.Logging = *rootConfig.Logging
	}
	if rootConfig.Server != nil {
		selectedConfig.Server = *rootConfig.Server
	}

	applyDefaults(selectedConfig)

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Output.StagingDir = expandPath(selectedConfig.Output.StagingDir)
	selectedConfig.Logging.File = expandPath(selectedConfig.Logging.File)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// LoadOrDefault loads configFile when it exists and falls back to the built-in defaults otherwise.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return LoadWithProfile(configFile, profile)
		}
	}
	cfg := Default()
	cfg.Inheritance = profileSpecific()
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	return cfg, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ListProfiles returns the profile names defined in the config file and the active one.
func ListProfiles(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}

	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	active := rootConfig.ActiveConfig
	if active == "" {
		active = "default"
	}
	return names, active, nil
}

// TargetByID returns the resolved target with the given id.
func (c *Config) TargetByID(id string) (Target, bool) {
	for _, t := range c.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return Target{}, false
}

// TargetForKind returns the first configured target of the given kind.
func (c *Config) TargetForKind(kind string) (Target, bool) {
	for _, t := range c.Targets {
		if t.Kind == kind {
			return t, true
		}
	}
	return Target{}, false
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving target references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Video:     profile.Video,
		Recording: profile.Recording,
		Output:    profile.Output,
		Sink:      profile.Sink,
		Microphone: MicrophoneConfig{
			Enabled:  defaultConfig.Microphone.Enabled,
			Device:   profile.Microphone.Device,
			Required: defaultConfig.Microphone.Required,
		},
		Behavior: defaultConfig.Behavior,
	}
	if profile.Microphone.Enabled != nil {
		config.Microphone.Enabled = *profile.Microphone.Enabled
	}
	if profile.Microphone.Required != nil {
		config.Microphone.Required = *profile.Microphone.Required
	}
	if profile.Behavior.AutoStopOnFocus != nil {
		config.Behavior.AutoStopOnFocus = *profile.Behavior.AutoStopOnFocus
	}
	if profile.Behavior.MinimizeOnStart != nil {
		config.Behavior.MinimizeOnStart = *profile.Behavior.MinimizeOnStart
	}

	for i, ref := range profile.Targets {
		if ref.Ref == "" {
			return nil, fmt.Errorf("targets[%d]: 'ref' is required", i)
		}

		var definition *TargetDefinition
		if definitions != nil {
			for j := range definitions.Targets {
				if definitions.Targets[j].ID == ref.Ref {
					definition = &definitions.Targets[j]
					break
				}
			}
		}
		if definition == nil {
			return nil, fmt.Errorf("targets[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		target := Target{
			ID:          definition.ID,
			Kind:        definition.Kind,
			Label:       definition.Label,
			Display:     definition.Display,
			DevToolsURL: definition.DevToolsURL,
			SystemAudio: definition.SystemAudio,
		}
		if ref.Label != nil {
			target.Label = *ref.Label
		}
		config.Targets = append(config.Targets, target)
	}

	return config, nil
}

// mergeConfigs fills every section the profile leaves empty from the default profile.
// Booleans are resolved from the raw profiles, so only the sections compared by zero value
// are inherited here.
func mergeConfigs(base, profile *Config) *Config {
	result := *profile
	result.Inheritance = profileSpecific()

	if base == nil {
		return &result
	}

	if len(profile.Targets) == 0 {
		result.Targets = base.Targets
		result.Inheritance.Targets = InheritanceInherited
	}
	if profile.Video == (VideoConfig{}) {
		result.Video = base.Video
		result.Inheritance.Video = InheritanceInherited
	}
	if profile.Microphone.Device == "" && base.Microphone.Device != "" {
		result.Microphone.Device = base.Microphone.Device
		result.Inheritance.Microphone = InheritanceInherited
	}
	if profile.Recording.Timeslice == 0 && profile.Recording.StartDelay == 0 &&
		profile.Recording.StopTimeout == 0 && len(profile.Recording.Formats) == 0 {
		result.Recording = base.Recording
		result.Inheritance.Recording = InheritanceInherited
	}
	if profile.Output.Directory == "" {
		result.Output.Directory = base.Output.Directory
		result.Inheritance.Output.Directory = InheritanceInherited
	}
	if profile.Output.Prefix == "" {
		result.Output.Prefix = base.Output.Prefix
		result.Inheritance.Output.Prefix = InheritanceInherited
	}
	if profile.Output.StagingDir == "" {
		result.Output.StagingDir = base.Output.StagingDir
	}
	if profile.Output.RevokeDelay == 0 {
		result.Output.RevokeDelay = base.Output.RevokeDelay
	}
	if profile.Sink.Type == "" {
		result.Sink = base.Sink
		result.Inheritance.Sink = InheritanceInherited
	}

	return &result
}

// mergeProfileBooleans applies tri-state booleans: unset profile values inherit from default.
func mergeProfileBooleans(cfg *Config, selected, base *ConfigProfile) {
	if base == nil || selected == nil {
		return
	}
	if selected.Microphone.Enabled == nil && base.Microphone.Enabled != nil {
		cfg.Microphone.Enabled = *base.Microphone.Enabled
	}
	if selected.Microphone.Required == nil && base.Microphone.Required != nil {
		cfg.Microphone.Required = *base.Microphone.Required
	}
	if selected.Behavior.AutoStopOnFocus == nil && base.Behavior.AutoStopOnFocus != nil {
		cfg.Behavior.AutoStopOnFocus = *base.Behavior.AutoStopOnFocus
		cfg.Inheritance.Behavior = InheritanceInherited
	}
	if selected.Behavior.MinimizeOnStart == nil && base.Behavior.MinimizeOnStart != nil {
		cfg.Behavior.MinimizeOnStart = *base.Behavior.MinimizeOnStart
	}
}

func profileSpecific() *InheritanceInfo {
	info := &InheritanceInfo{
		Targets:    InheritanceProfileSpecific,
		Video:      InheritanceProfileSpecific,
		Microphone: InheritanceProfileSpecific,
		Recording:  InheritanceProfileSpecific,
		Sink:       InheritanceProfileSpecific,
		Behavior:   InheritanceProfileSpecific,
	}
	info.Output.Directory = InheritanceProfileSpecific
	info.Output.Prefix = InheritanceProfileSpecific
	return info
}

// applyDefaults fills values that neither the profile nor the default profile set.
func applyDefaults(cfg *Config) {
	if len(cfg.Targets) == 0 {
		cfg.Targets = append([]Target(nil), defaultConfig.Targets...)
	}
	if cfg.Video.MaxWidth == 0 {
		cfg.Video.MaxWidth = defaultConfig.Video.MaxWidth
	}
	if cfg.Video.MaxHeight == 0 {
		cfg.Video.MaxHeight = defaultConfig.Video.MaxHeight
	}
	if cfg.Video.MaxFrameRate == 0 {
		cfg.Video.MaxFrameRate = defaultConfig.Video.MaxFrameRate
	}
	if cfg.Recording.Timeslice == 0 && cfg.Recording.StartDelay == 0 && cfg.Recording.StopTimeout == 0 {
		cfg.Recording.StartDelay = defaultConfig.Recording.StartDelay
	}
	if cfg.Recording.Timeslice == 0 {
		cfg.Recording.Timeslice = defaultConfig.Recording.Timeslice
	}
	if cfg.Recording.StopTimeout == 0 {
		cfg.Recording.StopTimeout = defaultConfig.Recording.StopTimeout
	}
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = defaultConfig.Output.Directory
	}
	if cfg.Output.Prefix == "" {
		cfg.Output.Prefix = defaultConfig.Output.Prefix
	}
	if cfg.Output.RevokeDelay == 0 {
		cfg.Output.RevokeDelay = defaultConfig.Output.RevokeDelay
	}
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = SinkLocal
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaultConfig.Logging.MaxSizeMB
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = defaultConfig.Server.Port
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("SCREENCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': empty profile", configName)
		}
		if err := validateTargetReferences(configProfile.Targets, rootConfig.Definitions, configName); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Targets {
		prefix := fmt.Sprintf("definitions.targets[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateTargetDefinition(def, prefix); err != nil {
			return err
		}
	}

	return nil
}

func validateTargetDefinition(def TargetDefinition, prefix string) error {
	switch def.Kind {
	case TargetKindScreen, TargetKindWindow:
		if def.DevToolsURL != "" {
			return fmt.Errorf("%s: 'devtools_url' only applies to tab targets", prefix)
		}
	case TargetKindTab:
		if def.DevToolsURL == "" {
			return fmt.Errorf("%s: 'devtools_url' is required for tab targets", prefix)
		}
		if !strings.HasPrefix(def.DevToolsURL, "http://") && !strings.HasPrefix(def.DevToolsURL, "ws://") {
			return fmt.Errorf("%s: 'devtools_url' must start with http:// or ws://", prefix)
		}
	case "":
		return fmt.Errorf("%s: 'kind' is required", prefix)
	default:
		return fmt.Errorf("%s: invalid kind '%s' (must be 'screen', 'window' or 'tab')", prefix, def.Kind)
	}
	return nil
}

func validateTargetReferences(refs []TargetReference, definitions *DefinitionsConfig, configName string) error {
	for i, ref := range refs {
		if ref.Ref == "" {
			return fmt.Errorf("targets[%d]: 'ref' is required", i)
		}
		found := false
		if definitions != nil {
			for _, def := range definitions.Targets {
				if def.ID == ref.Ref {
					found = true
					break
				}
			}
		}
		if !found {
			return fmt.Errorf("targets[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}
	}
	return nil
}

// validateConfig checks a resolved configuration
func validateConfig(cfg *Config) error {
	if cfg.Video.MaxWidth < 0 || cfg.Video.MaxHeight < 0 {
		return fmt.Errorf("video: max_width and max_height must be positive")
	}
	if cfg.Video.MaxFrameRate < 1 || cfg.Video.MaxFrameRate > 120 {
		return fmt.Errorf("video: max_frame_rate must be between 1 and 120, got %d", cfg.Video.MaxFrameRate)
	}
	if cfg.Recording.Timeslice < 100*time.Millisecond {
		return fmt.Errorf("recording: timeslice must be at least 100ms, got %s", cfg.Recording.Timeslice)
	}
	if cfg.Recording.StartDelay < 0 || cfg.Recording.StopTimeout < 0 {
		return fmt.Errorf("recording: delays cannot be negative")
	}
	if cfg.Output.RevokeDelay <= 0 {
		return fmt.Errorf("output: revoke_delay must be positive")
	}
	if strings.ContainsAny(cfg.Output.Prefix, `/\`) {
		return fmt.Errorf("output: prefix cannot contain path separators")
	}
	for _, mime := range cfg.Recording.Formats {
		if !strings.HasPrefix(mime, "video/mp4") && !strings.HasPrefix(mime, "video/webm") {
			return fmt.Errorf("recording: unsupported format '%s'", mime)
		}
	}
	if err := validateStorage(&cfg.Sink.StorageConfig, "sink"); err != nil {
		return err
	}
	if cfg.Sink.Backup != nil {
		if err := validateStorage(cfg.Sink.Backup, "sink.backup"); err != nil {
			return err
		}
	}
	return nil
}

func validateStorage(s *StorageConfig, prefix string) error {
	switch s.Type {
	case SinkLocal, "":
		return nil
	case SinkS3:
		if s.S3 == nil || s.S3.Bucket == "" {
			return fmt.Errorf("%s: s3.bucket is required", prefix)
		}
	case SinkGCS:
		if s.GCS == nil || s.GCS.Bucket == "" {
			return fmt.Errorf("%s: gcs.bucket is required", prefix)
		}
	case SinkAzure:
		if s.Azure == nil || s.Azure.AccountName == "" || s.Azure.ContainerName == "" {
			return fmt.Errorf("%s: azure.account_name and azure.container_name are required", prefix)
		}
	default:
		return fmt.Errorf("%s: invalid type '%s' (must be 'local', 's3', 'gcs' or 'azure')", prefix, s.Type)
	}
	return nil
}
