package config

import "reflect"

// Changes describes what differs between two configurations, split into
// what a running gateway applies and what needs a restart.
type Changes struct {
	// Keys is set when the verification keys or their algorithm, issuer,
	// audience or skew changed.
	Keys bool

	// LogLevel is set when the log level changed.
	LogLevel bool

	// RBAC is set when any policy engine setting changed. The running
	// engine drops its cache; new settings apply after a restart.
	RBAC bool

	// Restart lists the top-level sections whose changes are ignored
	// until restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return !c.Keys && !c.LogLevel && !c.RBAC && len(c.Restart) == 0
}

// Diff compares two configurations.
func Diff(old, updated *Config) Changes {
	var c Changes
	if old == nil || updated == nil {
		return c
	}

	c.Keys = !reflect.DeepEqual(old.JWT, updated.JWT) || !reflect.DeepEqual(old.Vault, updated.Vault)
	c.LogLevel = old.Log.Level != updated.Log.Level
	c.RBAC = !reflect.DeepEqual(old.RBAC, updated.RBAC)

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, updated.Server},
		{"log.format", [2]string{old.Log.Format, old.Log.Output}, [2]string{updated.Log.Format, updated.Log.Output}},
		{"audit", old.Audit, updated.Audit},
		{"redis", old.Redis, updated.Redis},
		{"database", old.Database, updated.Database},
		{"services", old.Services, updated.Services},
		{"retry", old.Retry, updated.Retry},
		{"circuitBreaker", old.Breaker, updated.Breaker},
		{"metrics", old.Metrics, updated.Metrics},
		{"tracing", old.Tracing, updated.Tracing},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			c.Restart = append(c.Restart, s.name)
		}
	}
	if c.RBAC {
		c.Restart = append(c.Restart, "rbac")
	}
	return c
}
