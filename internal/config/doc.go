// Package config provides centralized configuration management for the
// license activation service. Configuration is loaded from environment
// variables (highest priority), an optional YAML file, and built-in
// defaults.
//
// All environment variables are namespaced under MTL_*:
//
//	MTL_SERVER_PORT=8080
//	MTL_SECURITY_SIGNING_SECRET=...
//	MTL_SHEETS_SPREADSHEET_ID=...
//	MTL_LOGGING_LEVEL=info
//
// Load validates the assembled configuration before returning it; a
// service started with an unusable configuration fails fast instead of
// limping along.
package config
