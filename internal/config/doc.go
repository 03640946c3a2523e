// Package config loads and validates runtime configuration for open-daybreak.
//
// Configuration is read from `config/config.yaml` and can be overridden via
// environment variables (see `internal/config/config.go` for keys).
package config
