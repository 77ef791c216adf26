// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Durations use Go syntax ("30s", "1m"). A zero or negative ping_interval,
// idle_timeout or request_timeout disables that timer.
package config
