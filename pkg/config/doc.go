// Package config loads the manager's YAML configuration and the worker
// template seed file. Defaults are complete: an absent file produces a
// runnable single-node configuration.
package config
