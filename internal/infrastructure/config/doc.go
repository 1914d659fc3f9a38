// Package config loads emulator configuration from the environment
// (12-factor) using envconfig. CLI flags in cmd/ override these values.
package config
