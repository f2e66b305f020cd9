// Package config loads daemon configuration from the environment,
// with an optional TOML scheduler-policy file layered on top.
package config
