package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		keys    bool
		level   bool
		rbac    bool
		restart []string
	}{
		{name: "unchanged", mutate: func(*Config) {}},
		{
			name:   "rotated keys",
			mutate: func(c *Config) { c.JWT.Keys = append(c.JWT.Keys, KeyConfig{ID: "k2", Secret: "next"}) },
			keys:   true,
		},
		{
			name:   "log level",
			mutate: func(c *Config) { c.Log.Level = "debug" },
			level:  true,
		},
		{
			name:    "log format needs restart",
			mutate:  func(c *Config) { c.Log.Format = "console" },
			restart: []string{"log.format"},
		},
		{
			name:    "rbac",
			mutate:  func(c *Config) { c.RBAC.CacheTTL *= 2 },
			rbac:    true,
			restart: []string{"rbac"},
		},
		{
			name: "services and server",
			mutate: func(c *Config) {
				c.Server.Port = 9999
				c.Services[0].URL = "http://elsewhere:8003"
			},
			restart: []string{"server", "services"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := validConfig()
			updated := validConfig()
			tt.mutate(updated)

			changes := Diff(old, updated)
			assert.Equal(t, tt.keys, changes.Keys)
			assert.Equal(t, tt.level, changes.LogLevel)
			assert.Equal(t, tt.rbac, changes.RBAC)
			assert.Equal(t, tt.restart, changes.Restart)
			assert.Equal(t, !tt.keys && !tt.level && !tt.rbac && len(tt.restart) == 0, changes.Empty())
		})
	}

	assert.True(t, Diff(nil, validConfig()).Empty())
}
