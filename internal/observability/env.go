package observability

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix shared by the server and the client.
const EnvPrefix = "RELAYCHAT"

// NewEnv returns a viper instance that resolves keys from RELAYCHAT_*
// environment variables. Dots and dashes in keys become underscores, and a
// variable set to the empty string counts as set.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	return v
}

// LoadLogConfig overlays RELAYCHAT_LOG_LEVEL, RELAYCHAT_LOG_FORMAT and
// RELAYCHAT_LOG_FILE on defaults.
func LoadLogConfig(v *viper.Viper, defaults LogConfig) LogConfig {
	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.format", defaults.Format)
	v.SetDefault("log.file", defaults.File)

	cfg := defaults
	cfg.Level = v.GetString("log.level")
	cfg.Format = v.GetString("log.format")
	cfg.File = v.GetString("log.file")
	return cfg
}
