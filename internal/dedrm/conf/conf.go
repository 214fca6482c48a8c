package conf

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/config"
	"github.com/sjzar/dedrm/pkg/util"
)

const (
	AppName      = "dedrm"
	EnvPrefix    = "DEDRM"
	EnvConfigDir = "DEDRM_DIR"
)

// Load reads the configuration from configPath, DEDRM_DIR or ~/.dedrm, in
// that order, then applies the command line values in cmdConf.
func Load(configPath string, cmdConf map[string]any) (*Config, *config.Manager, error) {
	if configPath == "" {
		configPath = util.DefaultWorkDir()
	}

	cm, err := config.New(AppName, configPath, "", EnvPrefix, false)
	if err != nil {
		return nil, nil, errors.ConfigInvalid("config dir", err)
	}
	config.SetDefaults(cm.Viper, Defaults)

	for key, value := range cmdConf {
		if err := cm.SetConfig(key, value); err != nil {
			return nil, nil, errors.ConfigInvalid(key, err)
		}
	}

	conf := &Config{}
	if err := cm.Load(conf); err != nil {
		log.Error().Err(err).Msg("load config failed")
		return nil, nil, errors.ConfigInvalid("config file", err)
	}
	conf.ConfigDir = cm.Path

	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}

	b, _ := json.Marshal(conf)
	log.Debug().Msgf("config: %s", string(b))

	return conf, cm, nil
}

// Validate rejects values the engines would not accept.
func (c *Config) Validate() error {
	switch c.PMLMode {
	case "", common.PMLModeZip, common.PMLModeTree:
	default:
		return errors.ConfigInvalid("pml_mode", errors.InvalidArg(c.PMLMode))
	}
	for ext, name := range c.FormatOverrides {
		if _, err := common.ParseFormat(name); err != nil {
			return errors.ConfigInvalid("format_overrides."+ext, err)
		}
	}
	return nil
}
