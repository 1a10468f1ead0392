// Package config loads the daemon configuration from defaults, a YAML file
// and CUSTODY_* environment variables.
package config
