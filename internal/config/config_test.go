package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"host": "192.168.1.50",
	"password": {"plain": "opendoor"},
	"valves": [
		{"name": "Front yard", "default_duration": 300},
		{"name": "Back yard", "default_duration": 600}
	]
}`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultPollIntervalSeconds, cfg.PollIntervalSeconds)
	assert.Equal(t, DefaultRequestTimeoutSeconds, cfg.RequestTimeoutSeconds)
	require.NotNil(t, cfg.CommandGraceSeconds)
	assert.Equal(t, DefaultCommandGraceSeconds, *cfg.CommandGraceSeconds)
	assert.Equal(t, 2*time.Second, cfg.CommandGrace())
	assert.Equal(t, 10*time.Minute, cfg.OfflineAlertAfter())
	assert.Equal(t, DefaultTopicPrefix, cfg.MQTT.TopicPrefix)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.False(t, cfg.RainDelayEnabled())
	assert.Equal(t, 0, cfg.Valves[0].SlotIndex(0))
	assert.Equal(t, 1, cfg.Valves[1].SlotIndex(1))
}

func TestParse_ZeroCommandGraceDisablesWindow(t *testing.T) {
	cfg, err := Parse([]byte(`{"host":"h","password":{"plain":"x"},"valves":[{"name":"a","default_duration":1}],"command_grace_seconds":0}`))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.CommandGrace())
}

func TestPasswordHash(t *testing.T) {
	cfg := Config{Password: Password{Plain: "opendoor"}}
	assert.Equal(t, "a6d82bced638de3def1e9bbb4983225c", cfg.PasswordHash())

	cfg = Config{Password: Password{MD5: "A6D82BCED638DE3DEF1E9BBB4983225C"}}
	assert.Equal(t, "a6d82bced638de3def1e9bbb4983225c", cfg.PasswordHash())
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		problem string
	}{
		{
			name:    "missing host",
			json:    `{"password":{"plain":"x"},"valves":[{"name":"a","default_duration":1}]}`,
			problem: "host is required",
		},
		{
			name:    "missing password",
			json:    `{"host":"h","valves":[{"name":"a","default_duration":1}]}`,
			problem: "password.plain or password.md5 is required",
		},
		{
			name:    "both passwords",
			json:    `{"host":"h","password":{"plain":"x","md5":"a6d82bced638de3def1e9bbb4983225c"},"valves":[{"name":"a","default_duration":1}]}`,
			problem: "only one of password.plain and password.md5 may be set",
		},
		{
			name:    "bad md5",
			json:    `{"host":"h","password":{"md5":"nothex"},"valves":[{"name":"a","default_duration":1}]}`,
			problem: "password.md5 must be 32 hex characters",
		},
		{
			name:    "no valves",
			json:    `{"host":"h","password":{"plain":"x"}}`,
			problem: "at least one valve is required",
		},
		{
			name:    "duplicate names",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"a","default_duration":1},{"name":"a","default_duration":1}]}`,
			problem: `valves[0] and valves[1] both use name "a"`,
		},
		{
			name:    "zero duration",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"a","default_duration":0}]}`,
			problem: "valves[0].default_duration must be greater than 0",
		},
		{
			name:    "index conflict",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"a","default_duration":1},{"name":"b","default_duration":1,"index":0}]}`,
			problem: `valves "a" and "b" both use index 0`,
		},
		{
			name:    "colliding slugs",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"Front Yard","default_duration":1},{"name":"front-yard","default_duration":1}]}`,
			problem: `valves "Front Yard" and "front-yard" map to the same topic "front_yard"`,
		},
		{
			name:    "name without letters",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"--","default_duration":1}]}`,
			problem: `valves[0].name "--" needs at least one letter or digit`,
		},
		{
			name:    "negative command grace",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"a","default_duration":1}],"command_grace_seconds":-1}`,
			problem: "command_grace_seconds must not be negative",
		},
		{
			name:    "datadog without agent",
			json:    `{"host":"h","password":{"plain":"x"},"valves":[{"name":"a","default_duration":1}],"enable_datadog":true}`,
			problem: "dd_agent_addr is required when enable_datadog is set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Contains(t, cfgErr.Problems, tt.problem)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`{"valves":[{"name":"","default_duration":-1}]}`))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Len(t, cfgErr.Problems, 4)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "192.168.1.50", cfg.Host)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
