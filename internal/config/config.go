package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Device backends
const (
	BackendAuto      = "auto"
	BackendPortAudio = "portaudio"
	BackendPipeWire  = "pipewire"
	BackendFile      = "file"
)

// Output formats
const (
	FormatOgg = "ogg"
	FormatWav = "wav"
	FormatRaw = "raw"
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
	Server ServerConfig       `mapstructure:"server" yaml:"server"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type RootConfig struct {
	ActiveConfig string              `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig      `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Profile `mapstructure:"configs" yaml:"configs"`
}

// Profile is one named entry of the configs map.
type Profile struct {
	Recorder Options      `mapstructure:"recorder" yaml:"recorder"`
	Device   DeviceConfig `mapstructure:"device" yaml:"device"`
	Output   OutputConfig `mapstructure:"output" yaml:"output"`
}

// Config is a resolved profile ready for use.
type Config struct {
	Name     string       `mapstructure:"-" yaml:"name"`
	Recorder Options      `mapstructure:"recorder" yaml:"recorder"`
	Device   DeviceConfig `mapstructure:"device" yaml:"device"`
	Output   OutputConfig `mapstructure:"output" yaml:"output"`
	Server   ServerConfig `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Recorder string // "inherited" or "profile-specific"
	Device   struct {
		Backend string
		File    string
	}
	Output struct {
		Directory string
		Format    string
	}
}

type DeviceConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`     // "auto", "portaudio", "pipewire", "file"
	File     string `mapstructure:"file" yaml:"file,omitempty"` // WAV source for the file backend
	NoPacing bool   `mapstructure:"no_pacing" yaml:"no_pacing"` // read the file as fast as possible
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Format    string `mapstructure:"format" yaml:"format"` // "ogg", "wav", "raw"
}

var defaultConfig = Config{
	Name:     "default",
	Recorder: DefaultOptions,
	Device: DeviceConfig{
		Backend: BackendAuto,
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "PageCapture"),
		Format:    FormatOgg,
	},
	Server: ServerConfig{
		Port: 8080,
	},
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Config {
	c := defaultConfig
	return &c
}

// LoadWithProfile reads configFile and resolves the requested profile.
// An empty profile selects active_config, then "default".
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return resolveProfile(rootConfig, profile)
}

func resolveProfile(rootConfig *RootConfig, profile string) (*Config, error) {
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

	base := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base = mergeConfigs(base, profileToConfig("default", defaultProfile))
		}
	}
	selectedConfig := mergeConfigs(base, profileToConfig(configName, selectedProfile))
	selectedConfig.Name = configName

	// Global settings take precedence over profile values
	if rootConfig.Globals != nil {
		if rootConfig.Globals.Output.RecordingsDirectory != "" {
			selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
		}
		if rootConfig.Globals.Server.Port != 0 {
			selectedConfig.Server.Port = rootConfig.Globals.Server.Port
		}
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Device.File = expandPath(selectedConfig.Device.File)

	if err := selectedConfig.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

func profileToConfig(name string, p *Profile) *Config {
	if p == nil {
		return &Config{Name: name}
	}
	return &Config{
		Name:     name,
		Recorder: p.Recorder,
		Device:   p.Device,
		Output:   p.Output,
	}
}

// mergeConfigs overlays the set fields of profile onto base and records
// which values were inherited.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{}

	if base != nil {
		result.Name = base.Name
		result.Recorder = base.Recorder
		result.Device = base.Device
		result.Output = base.Output
		result.Server = base.Server

		result.Inheritance.Recorder = "inherited"
		result.Inheritance.Device.Backend = "inherited"
		result.Inheritance.Device.File = "inherited"
		result.Inheritance.Output.Directory = "inherited"
		result.Inheritance.Output.Format = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Recorder != (Options{}) {
		result.Recorder = mergeOptions(result.Recorder, profile.Recorder)
		result.Inheritance.Recorder = "profile-specific"
	}

	if profile.Device.Backend != "" {
		result.Device.Backend = profile.Device.Backend
		result.Inheritance.Device.Backend = "profile-specific"
	}
	if profile.Device.File != "" {
		result.Device.File = profile.Device.File
		result.Inheritance.Device.File = "profile-specific"
	}
	result.Device.NoPacing = result.Device.NoPacing || profile.Device.NoPacing

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	if profile.Output.Format != "" {
		result.Output.Format = profile.Output.Format
		result.Inheritance.Output.Format = "profile-specific"
	}

	if profile.Server.Port != 0 {
		result.Server.Port = profile.Server.Port
	}

	return result
}

// Validate checks a resolved configuration.
func (c *Config) Validate() error {
	if err := c.Recorder.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	switch c.Device.Backend {
	case BackendAuto, BackendPortAudio, BackendPipeWire:
	case BackendFile:
		if c.Device.File == "" {
			return fmt.Errorf("device: backend 'file' requires 'file' to be set")
		}
	default:
		return fmt.Errorf("device: backend must be 'auto', 'portaudio', 'pipewire' or 'file', got: %s", c.Device.Backend)
	}

	switch c.Output.Format {
	case FormatOgg, FormatWav, FormatRaw:
	default:
		return fmt.Errorf("output: format must be 'ogg', 'wav' or 'raw', got: %s", c.Output.Format)
	}
	if c.Output.Format == FormatWav && c.Recorder.WithDefaults().Encoder != EncoderWav {
		return fmt.Errorf("output: format 'wav' requires encoder 'wav'")
	}
	if c.Output.Format == FormatOgg && c.Recorder.WithDefaults().Encoder != EncoderOpus {
		return fmt.Errorf("output: format 'ogg' requires encoder 'opus'")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 0 and 65535, got: %d", c.Server.Port)
	}

	return nil
}

// FileExtension maps the output format to a file extension.
func (c *Config) FileExtension() string {
	switch c.Output.Format {
	case FormatWav:
		return "wav"
	case FormatRaw:
		switch c.Recorder.WithDefaults().Encoder {
		case EncoderG711U:
			return "ulaw"
		case EncoderG711A:
			return "alaw"
		case EncoderOpus:
			return "ogg"
		}
		return "pcm"
	default:
		return "ogg"
	}
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

// ValidateConfigurationFormat reads the config file and checks every profile.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("PAGECAPTURE")
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

	if v.IsSet("active_config") && rootConfig.ActiveConfig == "" {
		return nil, fmt.Errorf("active_config cannot be empty")
	}

	for name, p := range rootConfig.Configs {
		if p == nil {
			continue
		}
		if p.Recorder != (Options{}) {
			if err := p.Recorder.WithDefaults().Validate(); err != nil {
				return nil, fmt.Errorf("invalid config '%s': %w", name, err)
			}
		}
	}

	return &rootConfig, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
