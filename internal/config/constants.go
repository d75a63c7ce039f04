package config

import "time"

// Application constants for the license client
const (
	// Application Info
	AppName       = "LicenseKit"
	AgentVersion  = "1.0"
	EnvPrefix     = "LICENSEKIT"
	NoAppVersion  = "0.0.0"

	// License service endpoints
	DefaultServiceURL = "https://service.codeelements.net:2313/"
	DefaultExecURL    = "https://exec.codeelements.net:2313/"

	// Offline license file (relative to executable)
	LicenseFileName = "license.elements"

	// Default key template, five groups of five alphanumerics
	DefaultKeyTemplate = "*****-*****-*****-*****-*****"

	// Network Timeouts
	DefaultHTTPTimeout = 30 * time.Second

	// Token refresh margin before expiry
	DefaultRefreshMargin = 60 * time.Second

	// Activation throttling
	DefaultActivationsPerMinute = 10
	DefaultActivationBurst      = 3

	// Local status server
	DefaultServerAddress   = "127.0.0.1:8765"
	DefaultShutdownTimeout = 10 * time.Second

	// Logging
	DefaultLogsDir = "logs"
	DefaultLogFile = "logs/licensekit.log"
)
