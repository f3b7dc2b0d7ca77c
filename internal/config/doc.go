// Package config provides centralized configuration management for the
// AutoSwap daemon: listen address, storage and queue drivers, scheduler
// cadence, chain endpoints and the environment variable that carries the
// master encryption secret. The secret value itself never appears in the
// configuration file.
package config
