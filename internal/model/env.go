package model

import "strings"

// Environment passed by the launcher to an agent process. The keys are
// read through viper with the "HERALD" prefix, so HERALD_RUN_ID carries
// EnvKeyRunID.
const (
	EnvPrefix = "HERALD"

	EnvKeyRunID          = "run_id"
	EnvKeyConnect        = "zk_connect"
	EnvKeyRunnable       = "runnable"
	EnvKeySessionTimeout = "session_timeout"
	EnvKeyTimeout        = "timeout"
)

// EnvName returns the environment variable carrying key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}
