package agent

import (
	"errors"
	"time"

	"github.com/spf13/viper"

	"github.com/CZERTAINLY/Herald/internal/model"
)

// Config is what a launched agent learns from its environment.
type Config struct {
	RunID          string        `mapstructure:"run_id"`
	Connect        string        `mapstructure:"zk_connect"`
	Runnable       string        `mapstructure:"runnable"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ParseEnv reads the HERALD_* environment variables set by the launcher.
func ParseEnv() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(model.EnvPrefix)
	for _, key := range []string{
		model.EnvKeyRunID,
		model.EnvKeyConnect,
		model.EnvKeyRunnable,
		model.EnvKeySessionTimeout,
		model.EnvKeyTimeout,
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}
	v.SetDefault(model.EnvKeyConnect, model.DefaultConnect)
	v.SetDefault(model.EnvKeySessionTimeout, model.DefaultSessionTimeout)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	var errs []error
	id, err := model.ParseRunID(cfg.RunID)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RunID = id
	if cfg.Runnable == "" {
		errs = append(errs, errors.New(model.EnvName(model.EnvKeyRunnable)+" is empty"))
	}
	return cfg, errors.Join(errs...)
}

// Env returns the environment ParseEnv reads cfg back from.
func (cfg Config) Env() []string {
	env := []string{
		model.EnvName(model.EnvKeyRunID) + "=" + cfg.RunID,
		model.EnvName(model.EnvKeyConnect) + "=" + cfg.Connect,
		model.EnvName(model.EnvKeyRunnable) + "=" + cfg.Runnable,
	}
	if cfg.SessionTimeout > 0 {
		env = append(env, model.EnvName(model.EnvKeySessionTimeout)+"="+cfg.SessionTimeout.String())
	}
	if cfg.Timeout > 0 {
		env = append(env, model.EnvName(model.EnvKeyTimeout)+"="+cfg.Timeout.String())
	}
	return env
}
