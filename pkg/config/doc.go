// Package config provides application configuration from environment
// variables with defaults suitable for local development.
//
// Server settings:
//
//	MODHUB_HOST="0.0.0.0"
//	MODHUB_PORT="8080"
//	MODHUB_READ_TIMEOUT="15s"
//	MODHUB_WRITE_TIMEOUT="30s"
//	MODHUB_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	MODHUB_STORAGE_DRIVER="sqlite3"  # sqlite3, postgres
//	MODHUB_STORAGE_DSN="modhub.db"
//
// Event stream settings (empty addr disables the durable streams):
//
//	MODHUB_REDIS_ADDR="localhost:6379"
//	MODHUB_REDIS_PASSWORD=""
//	MODHUB_REDIS_DB="0"
//
// Gateway mirroring (empty admin URL disables it):
//
//	MODHUB_GATEWAY_ADMIN_URL="http://kong:8001"
//	MODHUB_GATEWAY_UPSTREAM_URL="http://modhub:8080"
//	MODHUB_GATEWAY_RECONCILE="@every 5m"
//
// Loader settings:
//
//	MODHUB_LOADER_WORKDIR="/var/modhub/modules"
//	MODHUB_MAX_PACKAGE_SIZE="52428800"
//
// Logging:
//
//	MODHUB_LOG_LEVEL="info"   # debug, info, warn, error
//	MODHUB_LOG_FORMAT="text"  # text, json
package config
