// Package config loads, defaults and validates the gateway
// configuration.
//
// Configuration is read from a YAML file in which ${VAR} and
// ${VAR:-default} references are replaced from the environment. After
// parsing, a fixed set of GATEWAY_* environment variables override the
// file, defaults are applied, and the result is validated with struct
// tags and cross-field checks.
//
// A Watcher reloads the file when it changes. Only a subset of settings
// can be applied to a running gateway; see ReloadableChanges.
package config
