package constants

import "time"

const (
	AppName            = "cadence"
	DefaultKeyringUser = "database-connection"
	DefaultConfigPath  = "~/.config/cadence/cadence.db"
	Version            = "v0.1.0"

	// Connection string environment variable consulted before the keyring
	EnvDBConnection = "CADENCE_DB_CONNECTION"
	EnvGraphToken   = "CADENCE_GRAPH_TOKEN"
	ConfigFileName  = "config.yaml"

	// Notify constants
	NotifyMaxRetries       = 3
	NotifyRetryDelay       = 100 * time.Millisecond
	NotifierLockfileName   = "cadence-notifier.lock"
	NotificationDurationMs = 5000
	TrayAppIdentifier      = "com.julianstephens.cadence"
	TrayProcessPrefix      = "cadence-tray"
)
