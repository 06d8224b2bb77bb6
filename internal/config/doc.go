// Package config provides configuration loading and validation for the voice
// bridge service. It handles YAML-based configuration with per-section struct
// validation and environment overrides for credentials.
package config
