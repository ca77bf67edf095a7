package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadLogConfigDefaults(t *testing.T) {
	defaults := DefaultLogConfig()
	defaults.Level = "warn"

	cfg := LoadLogConfig(NewEnv(), defaults)
	assert.Equal(t, defaults, cfg)
}

func TestLoadLogConfigOverrides(t *testing.T) {
	t.Setenv("RELAYCHAT_LOG_LEVEL", "debug")
	t.Setenv("RELAYCHAT_LOG_FORMAT", "json")
	t.Setenv("RELAYCHAT_LOG_FILE", "/var/log/relaychat/client.log")

	cfg := LoadLogConfig(NewEnv(), DefaultLogConfig())
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "/var/log/relaychat/client.log", cfg.File)
	assert.Equal(t, 50, cfg.MaxSizeMB, "rotation settings keep their defaults")
}
