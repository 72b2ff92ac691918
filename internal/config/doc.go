// Package config provides configuration loading and validation for the recorder.
// It handles YAML-based configuration with struct validation covering the
// transport, capture, health-check, queue, drain, recovery, and logging settings.
package config
