// Package config loads the hub configuration from an optional YAML
// file overlaid with AGENTCOM_* environment variables. A .env file in
// the working directory is read first. Invalid configuration maps to
// process exit code 2.
package config
