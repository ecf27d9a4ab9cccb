// Package config loads Hydra's configuration from HYDRA_* environment
// variables with working defaults for a single-host Docker deployment.
package config
