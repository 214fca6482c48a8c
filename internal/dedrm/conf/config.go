package conf

import (
	"github.com/sjzar/dedrm/internal/drm/common"
)

const (
	// DefaultWatchPattern matches the e-book files the watcher picks up.
	DefaultWatchPattern = `(?i)\.(azw|azw1|azw3|azw4|azw8|mobi|prc|pdb|tpz|epub|pdf|kfx|kfx-zip)$`
	// OutputSuffix marks decrypted files. The watcher never picks them up.
	OutputSuffix = "_nodrm"
)

// Config is the dedrm configuration, read from dedrm.json in the config
// directory and from DEDRM_* variables.
type Config struct {
	ConfigDir string `mapstructure:"-" json:"config_dir"`

	KeyFiles []string `mapstructure:"key_files" json:"key_files"`
	KeyDir   string   `mapstructure:"key_dir" json:"key_dir"`
	// KeyStore is a sealed credential file opened with KeyStorePassphrase.
	KeyStore           string   `mapstructure:"key_store" json:"key_store"`
	KeyStorePassphrase string   `mapstructure:"key_store_passphrase" json:"-"`
	PIDs               []string `mapstructure:"pids" json:"-"`
	Serials            []string `mapstructure:"serials" json:"-"`

	OutputDir      string `mapstructure:"output_dir" json:"output_dir"`
	PMLMode        string `mapstructure:"pml_mode" json:"pml_mode"`
	KeepCompressed bool   `mapstructure:"keep_compressed" json:"keep_compressed"`
	// FormatOverrides maps a file extension to the format to decode it as.
	FormatOverrides map[string]string `mapstructure:"format_overrides" json:"format_overrides"`

	Watch WatchConfig `mapstructure:"watch" json:"watch"`
}

type WatchConfig struct {
	Dir       string   `mapstructure:"dir" json:"dir"`
	Pattern   string   `mapstructure:"pattern" json:"pattern"`
	OutputDir string   `mapstructure:"output_dir" json:"output_dir"`
	Blacklist []string `mapstructure:"blacklist" json:"blacklist"`
}

var Defaults = map[string]any{
	"key_files":            []string{},
	"key_dir":              "",
	"key_store":            "",
	"key_store_passphrase": "",
	"pids":                 []string{},
	"serials":              []string{},
	"output_dir":           "",
	"pml_mode":             common.PMLModeZip,
	"keep_compressed":      false,
	"format_overrides":     map[string]string{},
	"watch.dir":            "",
	"watch.pattern":        DefaultWatchPattern,
	"watch.output_dir":     "",
	"watch.blacklist":      []string{},
}

func (c *Config) GetWatchPattern() string {
	if c.Watch.Pattern == "" {
		return DefaultWatchPattern
	}
	return c.Watch.Pattern
}

// GetWatchOutputDir falls back to OutputDir and then to the watched
// directory itself.
func (c *Config) GetWatchOutputDir() string {
	switch {
	case c.Watch.OutputDir != "":
		return c.Watch.OutputDir
	case c.OutputDir != "":
		return c.OutputDir
	}
	return c.Watch.Dir
}
