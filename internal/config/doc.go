// Package config provides configuration loading for the license client.
//
// # Configuration Sources
//
// Configuration is layered in the following order, later sources winning:
//
//	1. Default values (Default)
//	2. YAML file (licensekit.yaml or an explicit path)
//	3. Environment variables (LICENSEKIT_*)
//
// # Environment Variables
//
//	LICENSEKIT_PROJECT_ID=5f0c6f52-...
//	LICENSEKIT_PROJECT_KEY_TEMPLATE=*****-*****-*****
//	LICENSEKIT_FEATURES_ALLOW_OFFLINE=true
//	LICENSEKIT_SERVICE_TIMEOUT=20s
//	LICENSEKIT_LOGGING_LEVEL=debug
//
// # Paths
//
// Relative paths (license file, public key, log file) always resolve against the
// executable directory so the client behaves the same regardless of the working directory.
package config
